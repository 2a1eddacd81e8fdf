package imap

import (
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"

	"github.com/nhle/mailterm/internal/model"
)

func TestCleanMessageID(t *testing.T) {
	cases := map[string]string{
		"<abc@example.com>":   "abc@example.com",
		"abc@example.com":     "abc@example.com",
		"  <abc@example.com>": "abc@example.com",
		"<>":                  "",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanMessageID(in), "input %q", in)
	}
}

func TestParseReferences(t *testing.T) {
	raw := []byte("References: <a@x> <b@x>\r\n\t<c@x>\r\n")
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, parseReferences(raw))
}

func TestParseReferencesAbsent(t *testing.T) {
	assert.Nil(t, parseReferences([]byte("Subject: hi\r\n")))
	assert.Nil(t, parseReferences(nil))
}

func TestSupportsUIDPlus(t *testing.T) {
	assert.True(t, supportsUIDPlus(imap.CapSet{imap.CapUIDPlus: {}}))
	assert.False(t, supportsUIDPlus(imap.CapSet{imap.CapIMAP4rev1: {}}))
	assert.False(t, supportsUIDPlus(nil))
}

func TestFlagsFromServer(t *testing.T) {
	f := flagsFromServer([]imap.Flag{
		imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered, imap.FlagDraft,
	})
	assert.True(t, f.Has(model.FlagSeen))
	assert.True(t, f.Has(model.FlagStarred))
	assert.True(t, f.Has(model.FlagAnswered))
	assert.False(t, f.Has(model.FlagDeleted))

	assert.Equal(t, model.Flags(0), flagsFromServer(nil))
}

func TestServerFlag(t *testing.T) {
	assert.Equal(t, imap.FlagSeen, serverFlag(model.KindSeen))
	assert.Equal(t, imap.FlagFlagged, serverFlag(model.KindStarred))
	assert.Equal(t, imap.FlagDeleted, serverFlag(model.KindDeleted))
}

func TestMakePreview(t *testing.T) {
	assert.Equal(t, "hello world", makePreview("hello\n\n  world\t"))
	assert.Equal(t, "", makePreview("   \n\t "))

	long := strings.Repeat("a", 2*previewLen)
	assert.Len(t, makePreview(long), previewLen)
}

func TestParseMIMEBodyPlainFallback(t *testing.T) {
	// Unparseable input degrades to raw text rather than an error.
	body := parseMIMEBody([]byte("not an rfc5322 message"))
	assert.Equal(t, "not an rfc5322 message", body.Text)
}

func TestParseMIMEBodyMultipart(t *testing.T) {
	raw := []byte(strings.ReplaceAll(`From: alice@example.com
To: bob@example.com
Subject: report
Content-Type: multipart/mixed; boundary=BOUNDARY

--BOUNDARY
Content-Type: text/plain; charset=utf-8

the plain part
--BOUNDARY
Content-Type: text/html; charset=utf-8

<p>the html part</p>
--BOUNDARY
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"

%PDF-fake
--BOUNDARY--
`, "\n", "\r\n"))

	body := parseMIMEBody(raw)
	assert.Contains(t, body.Text, "the plain part")
	assert.Contains(t, body.HTML, "the html part")
	if assert.Len(t, body.Attachments, 1) {
		assert.Equal(t, "report.pdf", body.Attachments[0].Filename)
		assert.Equal(t, "application/pdf", body.Attachments[0].MIMEType)
	}
}

func TestClassifyDialErr(t *testing.T) {
	assert.NoError(t, classifyDialErr("dial", "a@x", nil))

	err := classifyDialErr("dial", "a@x", errors.New("connection refused"))
	assert.True(t, IsNetworkError(err))

	err = classifyDialErr("login", "a@x", errors.New("AUTHENTICATIONFAILED bad credentials"))
	assert.True(t, IsAuthError(err))

	err = classifyDialErr("select", "a@x", errors.New("unexpected tagged response"))
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestClassifyOpErrTypedResponses(t *testing.T) {
	err := classifyOpErr("select Trash", &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNonExistent,
		Text: "no such mailbox",
	})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	err = classifyOpErr("store", &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNoPerm,
		Text: "read-only mailbox",
	})
	var perm *PermissionError
	assert.ErrorAs(t, err, &perm)
	assert.True(t, IsRejection(err))
}
