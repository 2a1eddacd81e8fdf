package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailterm/internal/account"
	aiservice "github.com/nhle/mailterm/internal/ai"
	"github.com/nhle/mailterm/internal/imap"
	"github.com/nhle/mailterm/internal/keys"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/prefetch"
	"github.com/nhle/mailterm/internal/store"
	"github.com/nhle/mailterm/internal/theme"
	"github.com/nhle/mailterm/internal/thread"
	"github.com/nhle/mailterm/internal/ui"
	"github.com/nhle/mailterm/internal/ui/threadlist"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewList ViewState = iota
	ViewReader
	ViewSearch
	ViewHelp
)

// threadsLoadedMsg carries a rebuilt thread listing to the UI.
type threadsLoadedMsg struct {
	items   []threadlist.ThreadItem
	folders []model.Folder
}

// bodyLoadedMsg carries a cached message body to the reader.
type bodyLoadedMsg struct {
	stableID string
	msg      *model.Message
	body     *model.Body
}

// summaryMsg carries an AI summary to the reader.
type summaryMsg struct {
	summary aiservice.Summary
}

// Model is the root Bubble Tea model: it routes views and translates
// key presses into commands for the account coordinator.
type Model struct {
	cfg        *model.AppConfig
	store      store.Store
	coord      *account.Coordinator
	summarizer *aiservice.Summarizer
	keys       *keys.KeyMap

	layout     ui.Layout
	threadList threadlist.Model

	currentView   ViewState
	activeAccount string
	activeFolder  string
	folders       []model.Folder

	readerItem    threadlist.ThreadItem
	readerMsg     *model.Message
	readerBody    *model.Body
	readerSummary string

	searchQuery   string
	searchResults []store.SearchResult

	statusMessage string
	ready         bool
}

// New creates the root application model.
func New(
	cfg *model.AppConfig,
	st store.Store,
	coord *account.Coordinator,
	summarizer *aiservice.Summarizer,
) Model {
	k := keys.DefaultKeyMap()

	activeAccount := cfg.DefaultAccount
	if activeAccount == "" && len(cfg.Accounts) > 0 {
		activeAccount = cfg.Accounts[0].Email
	}

	return Model{
		cfg:           cfg,
		store:         st,
		coord:         coord,
		summarizer:    summarizer,
		keys:          k,
		threadList:    threadlist.New(k, 80, 24),
		currentView:   ViewList,
		activeAccount: activeAccount,
		activeFolder:  "INBOX",
	}
}

// Init loads the cached listing and subscribes to coordinator events.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.loadThreads(),
		m.coord.WaitForEvent(),
	}
	if m.summarizer != nil && m.summarizer.Enabled() {
		cmds = append(cmds, m.waitForSummary())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		m.threadList.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		return m, nil

	case threadsLoadedMsg:
		m.folders = msg.folders
		var cmd tea.Cmd
		m.threadList, cmd = m.threadList.Update(threadlist.ThreadsLoadedMsg{Items: msg.items})
		return m, cmd

	case threadlist.SelectedThreadMsg:
		return m.openThread(msg.Item)

	case threadlist.FocusChangedMsg:
		m.coord.Focus(prefetch.Focus{
			AccountID: m.activeAccount,
			Folder:    m.activeFolder,
			StableID:  msg.Item.Thread.LatestID,
		})
		return m, nil

	case threadlist.SearchSubmittedMsg:
		m.searchQuery = msg.Query
		_ = m.coord.Dispatch(context.Background(), model.SearchQuery{
			Query: msg.Query,
			Limit: 50,
		})
		return m, nil

	case bodyLoadedMsg:
		if m.currentView == ViewReader && msg.stableID == m.readerItem.Thread.LatestID {
			m.readerMsg = msg.msg
			m.readerBody = msg.body
		}
		return m, nil

	case summaryMsg:
		if msg.summary.Err == nil && msg.summary.StableID == m.readerItem.Thread.LatestID {
			m.readerSummary = msg.summary.Text
		}
		return m, m.waitForSummary()

	case tea.KeyMsg:
		return m.handleKeys(msg)
	}

	if cmd := m.handleCoordinatorMsg(msg); cmd != nil {
		return m, cmd
	}

	var cmd tea.Cmd
	m.threadList, cmd = m.threadList.Update(msg)
	return m, cmd
}

// handleCoordinatorMsg reacts to the coordinator's event stream. Every
// event re-arms the subscription; sync completions also rebuild the
// listing from the cache.
func (m *Model) handleCoordinatorMsg(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case imap.FolderSynced:
		if msg.Err != nil {
			m.statusMessage = fmt.Sprintf("sync failed: %v", msg.Err)
		}
		return tea.Batch(m.loadThreads(), m.coord.WaitForEvent())

	case imap.StateChanged:
		if msg.Err != nil {
			m.statusMessage = msg.Err.Error()
		}
		return m.coord.WaitForEvent()

	case imap.BodyReady:
		if !msg.Prefetch && m.currentView == ViewReader &&
			msg.StableID == m.readerItem.Thread.LatestID {
			return tea.Batch(m.loadBody(msg.StableID), m.coord.WaitForEvent())
		}
		return m.coord.WaitForEvent()

	case imap.MutationDone:
		if msg.Err != nil {
			m.statusMessage = fmt.Sprintf("action undone: %v", msg.Err)
		}
		return tea.Batch(m.loadThreads(), m.coord.WaitForEvent())

	case account.SearchResultMsg:
		if msg.Query == m.searchQuery {
			m.searchResults = msg.Results
			m.currentView = ViewSearch
		}
		return m.coord.WaitForEvent()

	case account.SendResultMsg:
		if msg.Err != nil {
			m.statusMessage = fmt.Sprintf("send failed: %v", msg.Err)
		} else {
			m.statusMessage = "message sent"
		}
		return m.coord.WaitForEvent()

	case imap.FoldersListed:
		return m.coord.WaitForEvent()
	}
	return nil
}

// handleKeys processes global key input and per-view actions.
func (m Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.currentView == ViewList {
			return m, tea.Quit
		}
		m.currentView = ViewList
		return m, nil

	case key.Matches(msg, m.keys.Back):
		if m.currentView != ViewList {
			m.currentView = ViewList
			m.readerSummary = ""
			return m, nil
		}

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = ViewList
		} else {
			m.currentView = ViewHelp
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		_ = m.coord.Dispatch(context.Background(), model.OpenFolder{
			AccountID: m.activeAccount,
			Folder:    m.activeFolder,
		})
		return m, nil

	case key.Matches(msg, m.keys.NextAccount):
		m.cycleAccount()
		return m, tea.Batch(m.loadThreads(), m.openFolderCmd())

	case key.Matches(msg, m.keys.ToggleRead):
		return m, m.toggleFlagCmd(model.KindSeen)

	case key.Matches(msg, m.keys.Star):
		return m, m.toggleFlagCmd(model.KindStarred)

	case key.Matches(msg, m.keys.Delete):
		return m, m.deleteCmd()

	case key.Matches(msg, m.keys.Archive):
		return m, m.archiveCmd()

	case key.Matches(msg, m.keys.Summarize):
		return m, m.summarizeCmd()
	}

	if m.currentView == ViewList {
		var cmd tea.Cmd
		m.threadList, cmd = m.threadList.Update(msg)
		return m, cmd
	}
	return m, nil
}

// cycleAccount moves the active account to the next configured one.
func (m *Model) cycleAccount() {
	if len(m.cfg.Accounts) < 2 {
		return
	}
	for i, acc := range m.cfg.Accounts {
		if acc.Email == m.activeAccount {
			m.activeAccount = m.cfg.Accounts[(i+1)%len(m.cfg.Accounts)].Email
			m.activeFolder = "INBOX"
			return
		}
	}
	m.activeAccount = m.cfg.Accounts[0].Email
}

// openThread switches to the reader on the thread's latest message and
// requests its body.
func (m Model) openThread(item threadlist.ThreadItem) (tea.Model, tea.Cmd) {
	m.currentView = ViewReader
	m.readerItem = item
	m.readerMsg = nil
	m.readerBody = nil
	m.readerSummary = ""

	stableID := item.Thread.LatestID

	var uid uint32
	msg, err := m.store.GetMessage(context.Background(), m.activeAccount, m.activeFolder, stableID)
	if err == nil && msg != nil {
		m.readerMsg = msg
		uid = msg.UID
	}

	_ = m.coord.Dispatch(context.Background(), model.SelectMessage{
		AccountID: m.activeAccount,
		Folder:    m.activeFolder,
		StableID:  stableID,
		UID:       uid,
	})

	cmds := []tea.Cmd{m.loadBody(stableID)}

	// Opening a thread marks its latest message read.
	if msg != nil && !msg.Flags.Has(model.FlagSeen) {
		_ = m.coord.Dispatch(context.Background(), model.ToggleFlag{
			AccountID: m.activeAccount,
			Folder:    m.activeFolder,
			StableID:  stableID,
			Kind:      model.KindSeen,
			Value:     true,
		})
	}

	return m, tea.Batch(cmds...)
}

func (m Model) selectedStableID() (string, bool) {
	if m.currentView == ViewReader {
		return m.readerItem.Thread.LatestID, true
	}
	item, ok := m.threadList.Selected()
	if !ok {
		return "", false
	}
	return item.Thread.LatestID, true
}

func (m Model) toggleFlagCmd(kind model.FlagKind) tea.Cmd {
	stableID, ok := m.selectedStableID()
	if !ok {
		return nil
	}

	msg, err := m.store.GetMessage(context.Background(), m.activeAccount, m.activeFolder, stableID)
	if err != nil || msg == nil {
		return nil
	}

	_ = m.coord.Dispatch(context.Background(), model.ToggleFlag{
		AccountID: m.activeAccount,
		Folder:    m.activeFolder,
		StableID:  stableID,
		Kind:      kind,
		Value:     !msg.Flags.Has(model.Flags(kind)),
	})
	return m.loadThreads()
}

func (m Model) deleteCmd() tea.Cmd {
	stableID, ok := m.selectedStableID()
	if !ok {
		return nil
	}
	_ = m.coord.Dispatch(context.Background(), model.DeleteMessage{
		AccountID: m.activeAccount,
		Folder:    m.activeFolder,
		StableID:  stableID,
	})
	return m.loadThreads()
}

func (m Model) archiveCmd() tea.Cmd {
	stableID, ok := m.selectedStableID()
	if !ok {
		return nil
	}
	_ = m.coord.Dispatch(context.Background(), model.MoveMessage{
		AccountID: m.activeAccount,
		Folder:    m.activeFolder,
		StableID:  stableID,
		Dest:      "Archive",
	})
	return m.loadThreads()
}

func (m Model) summarizeCmd() tea.Cmd {
	if m.summarizer == nil || !m.summarizer.Enabled() {
		return nil
	}
	if m.currentView != ViewReader || m.readerMsg == nil || m.readerBody == nil {
		return nil
	}
	m.summarizer.Summarize(context.Background(), *m.readerMsg, m.readerBody.Text)
	return nil
}

func (m Model) openFolderCmd() tea.Cmd {
	accountID, folder := m.activeAccount, m.activeFolder
	coord := m.coord
	return func() tea.Msg {
		_ = coord.Dispatch(context.Background(), model.OpenFolder{
			AccountID: accountID,
			Folder:    folder,
		})
		return nil
	}
}

// loadThreads rebuilds the thread listing from the cache. Messages
// hidden by an optimistic delete stay out of the view even though
// their rows still exist.
func (m Model) loadThreads() tea.Cmd {
	st := m.store
	coord := m.coord
	accountID, folder := m.activeAccount, m.activeFolder

	return func() tea.Msg {
		ctx := context.Background()

		msgs, err := st.Messages(ctx, accountID, folder)
		if err != nil {
			return threadsLoadedMsg{}
		}

		visible := msgs[:0:0]
		for _, msg := range msgs {
			if !msg.Flags.Has(model.FlagDeleted) {
				visible = append(visible, msg)
			}
		}

		byID := make(map[string]model.Message, len(visible))
		for _, msg := range visible {
			byID[msg.StableID] = msg
		}

		pending := make(map[string]bool)
		for _, rec := range coord.Pending() {
			pending[rec.StableID] = true
		}

		threads := thread.Build(visible)
		items := make([]threadlist.ThreadItem, 0, len(threads))
		for _, t := range threads {
			item := threadlist.ThreadItem{Thread: t}
			if latest, ok := byID[t.LatestID]; ok {
				item.From = latest.FromName
				if item.From == "" {
					item.From = latest.From
				}
			}
			for _, id := range t.MessageIDs {
				if byID[id].Flags.Has(model.FlagStarred) {
					item.Starred = true
				}
				if pending[id] {
					item.Pending = true
				}
			}
			items = append(items, item)
		}

		folders, _ := st.Folders(ctx, accountID)
		return threadsLoadedMsg{items: items, folders: folders}
	}
}

// loadBody reads a cached body for the reader.
func (m Model) loadBody(stableID string) tea.Cmd {
	st := m.store
	accountID, folder := m.activeAccount, m.activeFolder

	return func() tea.Msg {
		ctx := context.Background()
		msg, _ := st.GetMessage(ctx, accountID, folder, stableID)
		body, _ := st.GetBody(ctx, accountID, folder, stableID)
		return bodyLoadedMsg{stableID: stableID, msg: msg, body: body}
	}
}

// waitForSummary subscribes to the summarizer's result channel.
func (m Model) waitForSummary() tea.Cmd {
	results := m.summarizer.Results()
	return func() tea.Msg {
		s, ok := <-results
		if !ok {
			return nil
		}
		return summaryMsg{summary: s}
	}
}

// View renders the active view inside the frame.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	header := m.layout.RenderHeader("mailterm", m.renderAccountStatus())
	statusBar := m.layout.RenderStatusBar(m.renderHints())
	sidebar := m.renderSidebar()

	var content string
	switch m.currentView {
	case ViewReader:
		content = m.renderReader()
	case ViewSearch:
		content = m.renderSearchResults()
	case ViewHelp:
		content = m.renderHelp()
	default:
		content = m.threadList.View()
	}

	return m.layout.RenderWithFrame(header, sidebar, content, statusBar)
}

// renderAccountStatus renders one colored segment per account.
func (m Model) renderAccountStatus() string {
	statuses := m.coord.Statuses()
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		label := theme.AccountLabelStyle(s.AccountID == m.activeAccount).Render(s.AccountID)
		state := theme.ConnStateStyle(s.State).Render(s.State.String())
		parts = append(parts, label+state)
	}
	return strings.Join(parts, " ")
}

func (m Model) renderSidebar() string {
	var sb strings.Builder
	for _, f := range m.folders {
		line := f.Name
		if f.Unread > 0 {
			line = fmt.Sprintf("%s (%d)", f.Name, f.Unread)
		}
		if f.Name == m.activeFolder {
			line = theme.SelectedItemStyle.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) renderReader() string {
	if m.readerMsg == nil {
		return theme.ReaderStyle.Render("loading message...")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("From: %s <%s>\n", m.readerMsg.FromName, m.readerMsg.From))
	sb.WriteString(fmt.Sprintf("To: %s\n", strings.Join(m.readerMsg.To, ", ")))
	sb.WriteString(fmt.Sprintf("Subject: %s\n", m.readerMsg.Subject))
	sb.WriteString(fmt.Sprintf("Date: %s\n", m.readerMsg.Date.Format("Mon, 02 Jan 2006 15:04")))

	if m.readerSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(theme.HelpStyle.Render("Summary: " + m.readerSummary))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if m.readerBody != nil {
		sb.WriteString(m.readerBody.Text)
		if len(m.readerBody.Attachments) > 0 {
			sb.WriteString("\n\nAttachments:\n")
			for _, a := range m.readerBody.Attachments {
				sb.WriteString(fmt.Sprintf("  %s (%s, %d bytes)\n", a.Filename, a.MIMEType, a.Size))
			}
		}
	} else {
		sb.WriteString(theme.HelpStyle.Render("fetching body..."))
	}

	return theme.ReaderStyle.
		Width(m.layout.ContentWidth() - 4).
		Render(sb.String())
}

func (m Model) renderSearchResults() string {
	if len(m.searchResults) == 0 {
		return theme.HelpStyle.Render(fmt.Sprintf("no results for %q", m.searchQuery))
	}

	var sb strings.Builder
	sb.WriteString(theme.UnreadStyle.Render(fmt.Sprintf("Results for %q:\n\n", m.searchQuery)))
	for _, r := range m.searchResults {
		sb.WriteString(fmt.Sprintf("%s  %s  %s\n",
			theme.AccountLabelStyle(false).Render(r.AccountID),
			r.From,
			r.Subject,
		))
	}
	return sb.String()
}

func (m Model) renderHelp() string {
	var sb strings.Builder
	for _, group := range m.keys.FullHelp() {
		for _, binding := range group {
			h := binding.Help()
			sb.WriteString(fmt.Sprintf("  %-10s %s\n", h.Key, h.Desc))
		}
		sb.WriteString("\n")
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(sb.String())
}

func (m Model) renderHints() string {
	if m.statusMessage != "" {
		return m.statusMessage
	}
	var parts []string
	for _, binding := range m.keys.ShortHelp() {
		h := binding.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}
