package wa

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
)

func TestToJID(t *testing.T) {
	jid, err := ToJID("+6281234567890")
	require.NoError(t, err)
	assert.Equal(t, "6281234567890", jid.User)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	jid, err = ToJID("6281234567890@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "6281234567890", jid.User)

	for _, bad := range []string{"", "+", "62-812"} {
		_, err := ToJID(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "", MessageText(nil))
	assert.Equal(t, "hello", MessageText(&waProto.Message{Conversation: strptr(" hello ")}))
	assert.Equal(t, "linked", MessageText(&waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: strptr("linked")},
	}))
	assert.Equal(t, "", MessageText(&waProto.Message{}))
}

func TestEncodeQR(t *testing.T) {
	png, err := EncodeQR("2@abc,def,ghi")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
