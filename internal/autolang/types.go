// Package autolang re-applies each user's preferred audio and subtitle
// tracks across the episodes of a show. It watches the media server's
// notification stream, keeps a persistent cache of what it has already
// processed, and computes track changes by scoring candidate streams
// against the user's last observed selection.
package autolang

import (
	"fmt"
	"strings"
	"time"
)

// EventType classifies what triggered a track change, used for
// notification filtering.
type EventType int

const (
	EventPlayOrActivity EventType = iota
	EventNewEpisode
	EventUpdatedEpisode
	EventScheduler
)

func (e EventType) String() string {
	switch e {
	case EventPlayOrActivity:
		return "play_or_activity"
	case EventNewEpisode:
		return "new_episode"
	case EventUpdatedEpisode:
		return "updated_episode"
	case EventScheduler:
		return "scheduler"
	default:
		return "unknown"
	}
}

// UpdateLevel controls how far a preference propagates from the
// reference episode.
type UpdateLevel string

const (
	UpdateLevelShow   UpdateLevel = "show"
	UpdateLevelSeason UpdateLevel = "season"
)

// UpdateStrategy controls which episodes within the update level are
// touched.
type UpdateStrategy string

const (
	UpdateStrategyAll  UpdateStrategy = "all"
	UpdateStrategyNext UpdateStrategy = "next"
)

// Settings holds the behavioral knobs of the track propagation engine.
type Settings struct {
	UpdateLevel    UpdateLevel
	UpdateStrategy UpdateStrategy

	TriggerOnPlay     bool
	TriggerOnScan     bool
	TriggerOnActivity bool

	// RefreshLibraryOnScan selects the full diff scan on "Library scan
	// complete" status alerts; when false only recently added episodes
	// are queried and update detection is unavailable.
	RefreshLibraryOnScan bool

	IgnoreLibraries []string
	IgnoreLabels    []string

	DataDir string
}

// AudioStream is one audio track of a media part.
type AudioStream struct {
	ID                   int    `json:"id"`
	LanguageCode         string `json:"languageCode"`
	Codec                string `json:"codec"`
	Channels             int    `json:"channels"`
	AudioChannelLayout   string `json:"audioChannelLayout"`
	Title                string `json:"title"`
	DisplayTitle         string `json:"displayTitle"`
	ExtendedDisplayTitle string `json:"extendedDisplayTitle"`
	VisualImpaired       bool   `json:"visualImpaired"`
	Selected             bool   `json:"selected"`
}

// SubtitleStream is one subtitle track of a media part.
type SubtitleStream struct {
	ID                   int    `json:"id"`
	LanguageCode         string `json:"languageCode"`
	Codec                string `json:"codec"`
	Title                string `json:"title"`
	DisplayTitle         string `json:"displayTitle"`
	ExtendedDisplayTitle string `json:"extendedDisplayTitle"`
	Forced               bool   `json:"forced"`
	HearingImpaired      bool   `json:"hearingImpaired"`
	Selected             bool   `json:"selected"`
}

// MediaPart is a single media file with its streams.
type MediaPart struct {
	ID              int              `json:"id"`
	Key             string           `json:"key"`
	File            string           `json:"file"`
	AudioStreams    []AudioStream    `json:"audioStreams"`
	SubtitleStreams []SubtitleStream `json:"subtitleStreams"`
}

// SelectedAudioStream returns the currently selected audio stream, or
// nil when none is selected.
func (p *MediaPart) SelectedAudioStream() *AudioStream {
	for i := range p.AudioStreams {
		if p.AudioStreams[i].Selected {
			return &p.AudioStreams[i]
		}
	}
	return nil
}

// SelectedSubtitleStream returns the currently selected subtitle
// stream, or nil when none is selected.
func (p *MediaPart) SelectedSubtitleStream() *SubtitleStream {
	for i := range p.SubtitleStreams {
		if p.SubtitleStreams[i].Selected {
			return &p.SubtitleStreams[i]
		}
	}
	return nil
}

// Episode is a TV episode with enough metadata to locate it within its
// show and season.
type Episode struct {
	RatingKey     string      `json:"ratingKey"`
	Key           string      `json:"key"`
	Title         string      `json:"title"`
	ShowTitle     string      `json:"showTitle"`
	ShowKey       string      `json:"showKey"`
	SeasonKey     string      `json:"seasonKey"`
	SeasonNumber  int         `json:"seasonNumber"`
	EpisodeNumber int         `json:"episodeNumber"`
	LibraryTitle  string      `json:"libraryTitle"`
	AddedAt       time.Time   `json:"addedAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	ViewCount     int         `json:"viewCount"`
	LastViewedAt  time.Time   `json:"lastViewedAt"`
	Parts         []MediaPart `json:"parts"`
}

// ShortName formats the episode as 'Show' (S01E02).
func (e *Episode) ShortName() string {
	if e.ShowTitle == "" {
		return fmt.Sprintf("S%02dE%02d", e.SeasonNumber, e.EpisodeNumber)
	}
	return fmt.Sprintf("'%s' (S%02dE%02d)", e.ShowTitle, e.SeasonNumber, e.EpisodeNumber)
}

// SelectedStreams returns the first selected audio and subtitle streams
// across the episode's parts. Either may be nil.
func (e *Episode) SelectedStreams() (*AudioStream, *SubtitleStream) {
	var audio *AudioStream
	var subtitle *SubtitleStream
	for i := range e.Parts {
		if audio == nil {
			audio = e.Parts[i].SelectedAudioStream()
		}
		if subtitle == nil {
			subtitle = e.Parts[i].SelectedSubtitleStream()
		}
	}
	return audio, subtitle
}

// User is a media server account.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StreamPair is the last observed (audio, subtitle) selection of an
// item. A zero stream ID means no stream of that kind is selected.
type StreamPair struct {
	AudioID    int `json:"audioId"`
	SubtitleID int `json:"subtitleId"`
}

// descriptiveTerms mark audio tracks carrying supplementary narration
// or commentary, which are excluded from default language matching.
var descriptiveTerms = []string{
	"commentary",
	"description",
	"descriptive",
	"narration",
	"narrative",
	"described",
}

func containsDescriptiveTerms(title string) bool {
	lower := strings.ToLower(title)
	for _, term := range descriptiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// matchTitle returns the most specific title available, lowercased for
// comparison.
func (s *AudioStream) matchTitle() string {
	switch {
	case s.ExtendedDisplayTitle != "":
		return strings.ToLower(s.ExtendedDisplayTitle)
	case s.DisplayTitle != "":
		return strings.ToLower(s.DisplayTitle)
	default:
		return strings.ToLower(s.Title)
	}
}

func (s *SubtitleStream) matchTitle() string {
	switch {
	case s.ExtendedDisplayTitle != "":
		return strings.ToLower(s.ExtendedDisplayTitle)
	case s.DisplayTitle != "":
		return strings.ToLower(s.DisplayTitle)
	default:
		return strings.ToLower(s.Title)
	}
}

// audioDisplayTitle returns a display title for an audio stream, or
// "None" if nil.
func audioDisplayTitle(s *AudioStream) string {
	if s == nil {
		return "None"
	}
	if s.DisplayTitle != "" {
		return s.DisplayTitle
	}
	return s.LanguageCode
}

// subtitleDisplayTitle returns a display title for a subtitle stream,
// or "None" if nil.
func subtitleDisplayTitle(s *SubtitleStream) string {
	if s == nil {
		return "None"
	}
	if s.DisplayTitle != "" {
		return s.DisplayTitle
	}
	return s.LanguageCode
}
