package session

import (
	"strings"

	"github.com/harunnryd/wajah/pkg/adapters/avatar"
	"github.com/harunnryd/wajah/pkg/configutil"
	"github.com/harunnryd/wajah/pkg/errorsx"
)

// Config identifies the avatar session to open.
type Config struct {
	APIToken      string `mapstructure:"api_token"`
	AvatarID      string `mapstructure:"avatar_id"`
	VoiceID       string `mapstructure:"voice_id"`
	KnowledgeID   string `mapstructure:"knowledge_id"`
	KnowledgeBase string `mapstructure:"knowledge_base"`
	Quality       string `mapstructure:"quality"`
	Emotion       string `mapstructure:"emotion"`
	Language      string `mapstructure:"language"`
}

// Validate reports every missing required value at once.
func (c Config) Validate() error {
	missing := configutil.Missing(
		configutil.Field{Path: "api_token", Value: c.APIToken},
		configutil.Field{Path: "avatar_id", Value: c.AvatarID},
		configutil.Field{Path: "voice_id", Value: c.VoiceID},
	)
	if len(missing) > 0 {
		return &errorsx.ConfigurationError{Missing: missing}
	}
	return nil
}

// SessionRequest converts the config into a provider request. A knowledge
// base reference takes precedence over inline knowledge text.
func (c Config) SessionRequest() avatar.SessionRequest {
	req := avatar.SessionRequest{
		AvatarName: strings.TrimSpace(c.AvatarID),
		VoiceID:    strings.TrimSpace(c.VoiceID),
		Quality:    avatar.QualityHigh,
		Emotion:    avatar.EmotionFriendly,
		Language:   strings.TrimSpace(c.Language),
	}
	if q := strings.TrimSpace(c.Quality); q != "" {
		req.Quality = avatar.Quality(strings.ToLower(q))
	}
	if e := strings.TrimSpace(c.Emotion); e != "" {
		req.Emotion = avatar.Emotion(strings.ToLower(e))
	}
	if id := strings.TrimSpace(c.KnowledgeID); id != "" {
		req.KnowledgeID = id
	} else if kb := strings.TrimSpace(c.KnowledgeBase); kb != "" {
		req.KnowledgeBase = kb
	}
	return req
}
