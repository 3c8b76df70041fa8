package autolang

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// StreamKind distinguishes the two change kinds of a StreamChange.
type StreamKind int

const (
	StreamKindAudio StreamKind = iota
	StreamKindSubtitle
)

// StreamChange is one pending stream selection on one media part. A
// zero StreamID on a subtitle change clears the selection.
type StreamChange struct {
	Episode     Episode
	PartID      int
	Kind        StreamKind
	StreamID    int
	StreamTitle string
}

// TrackChanges computes and applies one user's track preferences across
// the episodes of a show or season. The reference episode carries the
// preference: its currently selected audio and subtitle streams.
type TrackChanges struct {
	username  string
	eventType EventType
	reference *Episode
	audio     *AudioStream
	subtitle  *SubtitleStream

	changes []StreamChange
	updated int
	total   int
	firstEp string
	lastEp  string
}

// NewTrackChanges captures the selected streams of the reference
// episode as the preference to propagate.
func NewTrackChanges(username string, reference *Episode, eventType EventType) *TrackChanges {
	audio, subtitle := reference.SelectedStreams()
	return &TrackChanges{
		username:  username,
		eventType: eventType,
		reference: reference,
		audio:     audio,
		subtitle:  subtitle,
	}
}

func (tc *TrackChanges) Username() string        { return tc.username }
func (tc *TrackChanges) EventType() EventType    { return tc.eventType }
func (tc *TrackChanges) Reference() *Episode     { return tc.reference }
func (tc *TrackChanges) Changes() []StreamChange { return tc.changes }

// HasChanges reports whether Compute found any stream to update.
func (tc *TrackChanges) HasChanges() bool {
	return len(tc.changes) > 0
}

// ComputedFor reports whether Compute ran and how many episodes it
// decided to touch.
func (tc *TrackChanges) ComputedFor() (updated, total int) {
	return tc.updated, tc.total
}

// EpisodesToUpdate lists the episodes the preference propagates to,
// ordered by season and episode, the reference excluded.
func (tc *TrackChanges) EpisodesToUpdate(ctx context.Context, svc MediaService, level UpdateLevel, strategy UpdateStrategy) ([]Episode, error) {
	var episodes []Episode
	var err error
	switch level {
	case UpdateLevelSeason:
		episodes, err = svc.SeasonEpisodes(ctx, tc.reference.ShowKey, tc.reference.SeasonKey)
	default:
		episodes, err = svc.ShowEpisodes(ctx, tc.reference.ShowKey)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(episodes, func(i, j int) bool {
		a, b := &episodes[i], &episodes[j]
		if a.SeasonNumber != b.SeasonNumber {
			return a.SeasonNumber < b.SeasonNumber
		}
		if a.EpisodeNumber != b.EpisodeNumber {
			return a.EpisodeNumber < b.EpisodeNumber
		}
		return a.RatingKey < b.RatingKey
	})
	out := episodes[:0]
	for i := range episodes {
		ep := &episodes[i]
		if ep.RatingKey == tc.reference.RatingKey {
			continue
		}
		if strategy == UpdateStrategyNext && !episodeAfter(ep, tc.reference) {
			continue
		}
		out = append(out, *ep)
	}
	return out, nil
}

func episodeAfter(ep, ref *Episode) bool {
	if ep.SeasonNumber != ref.SeasonNumber {
		return ep.SeasonNumber > ref.SeasonNumber
	}
	return ep.EpisodeNumber > ref.EpisodeNumber
}

// Compute matches the reference streams against every part of every
// target episode. Episodes are reloaded through the service so stream
// selections reflect the acting user's view.
func (tc *TrackChanges) Compute(ctx context.Context, svc MediaService, episodes []Episode) error {
	tc.changes = nil
	tc.updated = 0
	tc.total = len(episodes)
	tc.firstEp = ""
	tc.lastEp = ""
	for i := range episodes {
		ep, err := svc.FetchEpisode(ctx, episodes[i].RatingKey)
		if err != nil {
			return fmt.Errorf("reloading episode %s: %w", episodes[i].RatingKey, err)
		}
		if ep == nil {
			continue
		}
		if tc.computeEpisode(ep) {
			tc.updated++
			code := fmt.Sprintf("S%02dE%02d", ep.SeasonNumber, ep.EpisodeNumber)
			if tc.firstEp == "" {
				tc.firstEp = code
			}
			tc.lastEp = code
		}
	}
	return nil
}

// computeEpisode appends the stream changes of one episode and reports
// whether any part needed an update.
func (tc *TrackChanges) computeEpisode(ep *Episode) bool {
	touched := false
	for p := range ep.Parts {
		part := &ep.Parts[p]
		matchedAudio := MatchAudioStream(tc.audio, part.AudioStreams)
		matchedSubtitle, clearSubtitle := MatchSubtitleStream(tc.subtitle, tc.audio, part.SubtitleStreams)

		current := part.SelectedAudioStream()
		if matchedAudio == nil && current != nil && audioDescriptive(current) {
			// No regular candidate in the preferred language; leaving a
			// commentary or description track selected would be worse
			// than the status quo elsewhere, so skip the whole part.
			log.Debug().
				Str("episode", ep.ShortName()).
				Int("part", part.ID).
				Msg("No matching audio and current track is descriptive, leaving part untouched")
			continue
		}

		if matchedAudio != nil && (current == nil || current.ID != matchedAudio.ID) {
			tc.changes = append(tc.changes, StreamChange{
				Episode:     *ep,
				PartID:      part.ID,
				Kind:        StreamKindAudio,
				StreamID:    matchedAudio.ID,
				StreamTitle: matchedAudio.DisplayTitle,
			})
			touched = true
		}

		currentSub := part.SelectedSubtitleStream()
		switch {
		case matchedSubtitle != nil && (currentSub == nil || currentSub.ID != matchedSubtitle.ID):
			tc.changes = append(tc.changes, StreamChange{
				Episode:     *ep,
				PartID:      part.ID,
				Kind:        StreamKindSubtitle,
				StreamID:    matchedSubtitle.ID,
				StreamTitle: matchedSubtitle.DisplayTitle,
			})
			touched = true
		case clearSubtitle && currentSub != nil:
			tc.changes = append(tc.changes, StreamChange{
				Episode: *ep,
				PartID:  part.ID,
				Kind:    StreamKindSubtitle,
			})
			touched = true
		}
	}
	return touched
}

// Apply performs the computed changes through the user's view. A failed
// part does not abort the rest; the joined errors are returned.
func (tc *TrackChanges) Apply(ctx context.Context, svc MediaService) error {
	var errs []error
	for _, change := range tc.changes {
		var err error
		switch {
		case change.Kind == StreamKindAudio:
			err = svc.SetAudioStream(ctx, change.PartID, change.StreamID)
		case change.StreamID == 0:
			err = svc.ClearSubtitleStream(ctx, change.PartID)
		default:
			err = svc.SetSubtitleStream(ctx, change.PartID, change.StreamID)
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("episode", change.Episode.ShortName()).
				Int("part", change.PartID).
				Msg("Unable to apply stream change")
			errs = append(errs, err)
			continue
		}
		log.Debug().
			Str("user", tc.username).
			Str("episode", change.Episode.ShortName()).
			Int("part", change.PartID).
			Int("stream", change.StreamID).
			Msg("Applied stream change")
	}
	return errors.Join(errs...)
}

// Title is the notification headline of this change set.
func (tc *TrackChanges) Title() string {
	return fmt.Sprintf("Tracks updated for '%s'", tc.reference.ShowTitle)
}

// Description summarizes the change set for notifications.
func (tc *TrackChanges) Description() string {
	episodeRange := ""
	if tc.updated > 0 {
		episodeRange = fmt.Sprintf(" (%s - %s)", tc.firstEp, tc.lastEp)
	}
	return fmt.Sprintf(
		"Show: %s\nUser: %s\nAudio: %s\nSubtitles: %s\nUpdated episodes: %d/%d%s",
		tc.reference.ShowTitle,
		tc.username,
		audioDisplayTitle(tc.audio),
		subtitleDisplayTitle(tc.subtitle),
		tc.updated,
		tc.total,
		episodeRange,
	)
}

// InlineDescription is Description flattened to a single log line.
func (tc *TrackChanges) InlineDescription() string {
	return strings.ReplaceAll(tc.Description(), "\n", " | ")
}

// MatchAudioStream selects the candidate audio stream closest to the
// reference, or nil when no stream shares the reference language.
func MatchAudioStream(ref *AudioStream, candidates []AudioStream) *AudioStream {
	if ref == nil {
		return nil
	}
	matching := make([]*AudioStream, 0, len(candidates))
	for i := range candidates {
		if candidates[i].LanguageCode == ref.LanguageCode {
			matching = append(matching, &candidates[i])
		}
	}
	if len(matching) == 0 {
		return nil
	}
	if len(matching) == 1 {
		return matching[0]
	}

	// Keep only candidates of the reference's class: a regular
	// reference drops narration and commentary tracks, a descriptive
	// reference keeps them. Skipped if it would leave nothing.
	refDescriptive := audioDescriptive(ref)
	if filtered := filterAudio(matching, func(s *AudioStream) bool { return audioDescriptive(s) == refDescriptive }); len(filtered) > 0 {
		matching = filtered
	}

	// When every candidate of the part carries the same title, the
	// title can't discriminate; prefer richer channel layouts instead.
	ambiguous := true
	for _, s := range candidates {
		if s.matchTitle() != candidates[0].matchTitle() {
			ambiguous = false
			break
		}
	}

	best := matching[0]
	bestScore := scoreAudioStream(ref, best, ambiguous)
	for _, cand := range matching[1:] {
		if score := scoreAudioStream(ref, cand, ambiguous); score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func audioDescriptive(s *AudioStream) bool {
	return s.VisualImpaired || containsDescriptiveTerms(s.matchTitle())
}

func filterAudio(streams []*AudioStream, keep func(*AudioStream) bool) []*AudioStream {
	out := make([]*AudioStream, 0, len(streams))
	for _, s := range streams {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func scoreAudioStream(ref, cand *AudioStream, ambiguous bool) int {
	score := 0
	if cand.Codec == ref.Codec {
		score += 5
	}
	if cand.AudioChannelLayout == ref.AudioChannelLayout {
		score += 3
	}
	if cand.matchTitle() == ref.matchTitle() {
		score += 5
	}
	if ambiguous {
		switch {
		case ref.Channels < 3 && cand.Channels > ref.Channels:
			score += 8
		case ref.Channels >= 3 && cand.Channels >= ref.Channels:
			score += 1
		}
	}
	return score
}

// MatchSubtitleStream selects the candidate subtitle stream closest to
// the reference. When the reference has no subtitle, only a forced
// subtitle in the reference audio's language qualifies. The second
// return value requests clearing the selection when true.
func MatchSubtitleStream(ref *SubtitleStream, refAudio *AudioStream, candidates []SubtitleStream) (match *SubtitleStream, clear bool) {
	search := ref
	if search == nil {
		if refAudio == nil {
			return nil, false
		}
		// Forced subtitles follow the audio language even when the
		// user watches without regular subtitles.
		search = &SubtitleStream{LanguageCode: refAudio.LanguageCode, Forced: true}
	}

	matching := make([]*SubtitleStream, 0, len(candidates))
	for i := range candidates {
		if candidates[i].LanguageCode == search.LanguageCode {
			matching = append(matching, &candidates[i])
		}
	}
	// A forced or hearing-impaired selection is a hard requirement: a
	// regular full subtitle must never replace it. No candidate left
	// means the selection gets cleared instead.
	if search.Forced {
		matching = filterSubtitles(matching, func(s *SubtitleStream) bool { return s.Forced })
	}
	if search.HearingImpaired {
		matching = filterSubtitles(matching, func(s *SubtitleStream) bool { return s.HearingImpaired })
	}
	if len(matching) == 0 {
		return nil, true
	}
	best := matching[0]
	bestScore := scoreSubtitleStream(search, best)
	for _, cand := range matching[1:] {
		if score := scoreSubtitleStream(search, cand); score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best, false
}

func filterSubtitles(streams []*SubtitleStream, keep func(*SubtitleStream) bool) []*SubtitleStream {
	out := make([]*SubtitleStream, 0, len(streams))
	for _, s := range streams {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func scoreSubtitleStream(ref, cand *SubtitleStream) int {
	score := 0
	if cand.Forced == ref.Forced {
		score += 3
	}
	if cand.HearingImpaired == ref.HearingImpaired {
		score += 3
	}
	if cand.Codec == ref.Codec {
		score += 1
	}
	if ref.matchTitle() != "" && cand.matchTitle() == ref.matchTitle() {
		score += 5
	}
	return score
}
