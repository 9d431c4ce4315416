package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_EmptyPayloadUsesDefaults(t *testing.T) {
	t.Parallel()

	n := Build(ParsePayload(nil), StandardDefaults())

	assert.Equal(t, "DinoProject", n.Title)
	assert.Equal(t, "You have a new update from DinoProject!", n.Body)
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)
	assert.Equal(t, "/icons/badge-72x72.png", n.Badge)
	assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	assert.Equal(t, "/", n.Data.URL)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Timestamp.IsZero())
}

func TestBuild_PayloadOverridesDefaults(t *testing.T) {
	t.Parallel()

	n := Build(ParsePayload([]byte(`{"title":"X","url":"/y"}`)), StandardDefaults())

	assert.Equal(t, "X", n.Title)
	assert.Equal(t, "You have a new update from DinoProject!", n.Body)
	assert.Equal(t, "/y", n.Data.URL)
}

func TestBuild_EmptyDefaultURLFallsBackToRoot(t *testing.T) {
	t.Parallel()

	n := Build(Payload{}, Defaults{Title: "t"})
	assert.Equal(t, "/", n.Data.URL)
}

func TestBuild_VibrateIsCopied(t *testing.T) {
	t.Parallel()

	d := StandardDefaults()
	n := Build(Payload{}, d)
	n.Vibrate[0] = 999
	assert.Equal(t, 100, d.Vibrate[0])
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    Payload
		wantErr bool
	}{
		{"empty", "", Payload{}, false},
		{"full", `{"title":"T","body":"B","url":"/forum","icon":"/i.png","badge":"/b.png","tag":"quiz"}`,
			Payload{Title: "T", Body: "B", URL: "/forum", Icon: "/i.png", Badge: "/b.png", Tag: "quiz"}, false},
		{"unknown fields", `{"title":"T","extra":1}`, Payload{Title: "T"}, false},
		{"malformed", `{"title":`, Payload{}, true},
		{"not an object", `"just text"`, Payload{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodePayload([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, ParsePayload([]byte(tt.data)))
		})
	}
}
