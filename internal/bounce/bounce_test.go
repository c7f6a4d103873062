package bounce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Label
	}{
		{name: "enhanced 5.1.1 with legacy 550", raw: "550 5.1.1 user unknown", want: HardBounce},
		{name: "enhanced 4.2.1 with legacy 451", raw: "451 4.2.1 mailbox temporarily full", want: SoftBounce},
		{name: "out of office", raw: "I am out of office until Monday", want: AutoReply},
		{name: "plain message", raw: "Meeting notes attached", want: Unknown},
		{name: "bounce keyword", raw: "Subject: Mail delivery BOUNCE", want: HardBounce},
		{name: "undeliverable", raw: "Undeliverable: quarterly report", want: HardBounce},
		{name: "delivery failed", raw: "Delivery failed for 1 recipient", want: HardBounce},
		{name: "smtp error", raw: "The remote server returned an SMTP error", want: HardBounce},
		{name: "enhanced 5.0.0", raw: "Status: 5.0.0", want: HardBounce},
		{name: "enhanced 5.3.4", raw: "Status: 5.3.4", want: HardBounce},
		{name: "legacy 552 near smtp", raw: "smtp; 552 message size exceeds limit", want: HardBounce},
		{name: "legacy 553 near smtp", raw: "Remote SMTP server said: 553 mailbox name not allowed", want: HardBounce},
		{name: "delayed", raw: "Message delayed in queue", want: SoftBounce},
		{name: "delivery delay", raw: "Delivery Delay Notification", want: SoftBounce},
		{name: "temporarily unavailable", raw: "The mailbox is temporarily unavailable", want: SoftBounce},
		{name: "enhanced 4.0.0", raw: "Status: 4.0.0", want: SoftBounce},
		{name: "legacy 450 near smtp", raw: "smtp; 450 try later", want: SoftBounce},
		{name: "auto-submitted header", raw: "Auto-Submitted: auto-replied", want: AutoReply},
		{name: "auto-reply", raw: "This is an auto-reply", want: AutoReply},
		{name: "automatic reply", raw: "Automatic reply: away", want: AutoReply},
		{name: "empty", raw: "", want: Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify([]byte(tt.raw)))
		})
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	t.Parallel()

	raw := []byte("Your message is undeliverable. Earlier attempts were delayed.")
	assert.Equal(t, HardBounce, Classify(raw))

	raw = []byte("Delivery delayed. This is an automatic reply.")
	assert.Equal(t, SoftBounce, Classify(raw))
}

func TestClassify_LegacyCodeNeedsNearbySMTP(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Unknown, Classify([]byte("Invoice 550 is attached")))

	far := "smtp" + string(make([]byte, 200)) + " 550 "
	assert.Equal(t, Unknown, Classify([]byte(far)))
}

func TestClassify_EnhancedCodeOutOfRange(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Unknown, Classify([]byte("code 5.7.1 policy")))
	assert.Equal(t, Unknown, Classify([]byte("code 4.7.0 greylisted")))
}

func TestClassify_EnhancedCodeBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Label
	}{
		{"ipv4 in received header", "Received: from mx ([10.4.2.1]) by mail.example.com\r\n\r\nMeeting notes attached", Unknown},
		{"ipv4 hard class", "Received: from relay ([192.5.1.1])\r\n\r\nSee you Monday", Unknown},
		{"mailer version", "X-Mailer: Thunderbird 5.2.1\r\nSubject: notes\r\n\r\nMeeting notes attached", Unknown},
		{"user agent version", "User-Agent: Mutt/4.1.2\r\n\r\nhello", Unknown},
		{"dotted version", "release 1.5.1.2 is out", Unknown},
		{"prefixed version", "upgraded to v5.1.1 today", Unknown},
		{"code ends sentence", "Status: 5.1.1.\r\n", HardBounce},
		{"code in parentheses", "mailbox full (4.2.2)", SoftBounce},
		{"code at end of input", "Status: 5.2.0", HardBounce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify([]byte(tt.raw)))
		})
	}
}

func TestClassify_Idempotent(t *testing.T) {
	t.Parallel()

	raw := []byte("Remote SMTP said 452 4.3.1 insufficient system storage")
	first := Classify(raw)
	second := Classify(raw)
	assert.Equal(t, first, second)
	assert.Equal(t, SoftBounce, first)
}

func TestClassify_AlwaysKnownLabel(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "\x00\xff", "bounce", "random text", "4.1.1", "SMTP 550"}
	for _, in := range inputs {
		assert.True(t, Classify([]byte(in)).Valid(), "input %q", in)
	}
}

func TestParseLabel(t *testing.T) {
	t.Parallel()

	for _, l := range Labels {
		got, err := ParseLabel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}

	_, err := ParseLabel("hard")
	assert.Error(t, err)
}
