package channels

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		kind string
		want MessageType
	}{
		{KindText, MessageText},
		{KindExtendedText, MessageText},
		{KindImage, MessageImage},
		{KindSticker, MessageImage},
		{KindAudio, MessageAudio},
		{KindVoice, MessageAudio},
		{"VOICE", MessageAudio},
		{KindVideo, MessageVideo},
		{KindGIF, MessageVideo},
		{KindDocument, MessageDocument},
		{KindLocation, MessageText},
		{"", MessageText},
		{"something-new", MessageText},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if got := Classify(tt.kind); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.kind, got, tt.want)
			}
		})
	}
}

func TestMessageTypeIsMedia(t *testing.T) {
	if MessageText.IsMedia() {
		t.Error("text should not be media")
	}
	for _, mt := range []MessageType{MessageImage, MessageAudio, MessageVideo, MessageDocument} {
		if !mt.IsMedia() {
			t.Errorf("%s should be media", mt)
		}
	}
}
