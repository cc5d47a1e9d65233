package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		wantErr   bool
	}{
		{"valid session ID", "session-123", false},
		{"valid with underscore", "session_123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "session 123", true},
		{"invalid chars 2", "session@123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.sessionID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name          string
		participantID string
		wantErr       bool
	}{
		{"valid participant ID", "peer-1", false},
		{"valid with underscore", "peer_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "peer 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.participantID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid name", "Friday Show", false},
		{"trims whitespace", "  Show  ", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRTMPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid rtmp", "rtmp://live.example.com/app", false},
		{"valid rtmps", "rtmps://live.example.com/app", false},
		{"empty", "", true},
		{"http scheme", "http://example.com", true},
		{"no host", "rtmp://", true},
		{"not a url", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRTMPURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRTMPURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStreamKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "live_437281_abcDEF", false},
		{"empty", "", true},
		{"too long", strings.Repeat("k", 257), true},
		{"contains space", "live 437281", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBitrate(t *testing.T) {
	tests := []struct {
		name    string
		bitrate int
		wantErr bool
	}{
		{"valid bitrate", 2500, false},
		{"minimum", 100, false},
		{"maximum", 10000, false},
		{"too low", 50, true},
		{"too high", 15000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBitrate(tt.bitrate)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBitrate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxParticipants(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		wantErr bool
	}{
		{"valid", 10, false},
		{"minimum", 1, false},
		{"maximum", 50, false},
		{"zero", 0, true},
		{"too high", 51, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxParticipants(tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxParticipants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
