package autolang

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title, description string, eventType EventType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) NotifyUser(title, description, username string, eventType EventType) {
	n.Notify(title, description, eventType)
}

func newTestServer(t *testing.T, svc *fakeService, settings Settings) (*Server, *recordingNotifier) {
	t.Helper()
	settings.DataDir = t.TempDir()
	if settings.UpdateLevel == "" {
		settings.UpdateLevel = UpdateLevelShow
	}
	if settings.UpdateStrategy == "" {
		settings.UpdateStrategy = UpdateStrategyAll
	}
	notifier := &recordingNotifier{}
	server, err := NewServer(context.Background(), svc, settings, notifier, nil)
	if err != nil {
		t.Fatal(err)
	}
	return server, notifier
}

func TestProcessNewOrUpdatedEpisode(t *testing.T) {
	svc := newFakeService()

	// The owner's reference: a watched episode with French audio.
	refAudio := audioStream(1, "fra", "aac", 2, "stereo", "French")
	refAudio.Selected = true
	reference := showEpisode("201", 1, 1, MediaPart{
		ID:           301,
		AudioStreams: []AudioStream{refAudio},
	})
	reference.ViewCount = 3
	reference.LastViewedAt = time.Now().Add(-time.Hour)
	svc.addEpisode(reference)

	// The new episode arrives with English selected.
	targetEN := audioStream(10, "eng", "aac", 2, "stereo", "English")
	targetEN.Selected = true
	targetFR := audioStream(11, "fra", "aac", 2, "stereo", "French")
	svc.addEpisode(showEpisode("202", 1, 2, MediaPart{
		ID:           302,
		AudioStreams: []AudioStream{targetEN, targetFR},
	}))

	server, notifier := newTestServer(t, svc, Settings{})
	if err := server.ProcessNewOrUpdatedEpisode(context.Background(), "202", EventNewEpisode, true); err != nil {
		t.Fatal(err)
	}
	if svc.audioSets != 1 {
		t.Errorf("expected 1 audio change, got %d", svc.audioSets)
	}
	target, _ := svc.FetchEpisode(context.Background(), "202")
	selected := target.Parts[0].SelectedAudioStream()
	if selected == nil || selected.LanguageCode != "fra" {
		t.Errorf("expected French audio selected, got %v", selected)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.titles) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.titles))
	}
}

func TestProcessNewOrUpdatedEpisodeUnknownKey(t *testing.T) {
	svc := newFakeService()
	server, _ := newTestServer(t, svc, Settings{})
	if err := server.ProcessNewOrUpdatedEpisode(context.Background(), "999", EventNewEpisode, true); err != nil {
		t.Fatalf("missing episode should not fail: %v", err)
	}
}

func TestIgnoreRules(t *testing.T) {
	svc := newFakeService()
	svc.labels["100"] = []string{"kids", "skip-autolang"}

	server, _ := newTestServer(t, svc, Settings{
		IgnoreLibraries: []string{"Anime"},
		IgnoreLabels:    []string{"skip-autolang"},
	})

	if !server.ShouldIgnoreLibrary("Anime") {
		t.Error("expected Anime library to be ignored")
	}
	if server.ShouldIgnoreLibrary("TV Shows") {
		t.Error("expected TV Shows library to be processed")
	}
	if !server.ShouldIgnoreShow(context.Background(), "100") {
		t.Error("expected labeled show to be ignored")
	}
	if server.ShouldIgnoreShow(context.Background(), "101") {
		t.Error("expected unlabeled show to be processed")
	}
}

func TestDeepAnalysisReplaysHistory(t *testing.T) {
	svc := newFakeService()

	refAudio := audioStream(1, "fra", "aac", 2, "stereo", "French")
	refAudio.Selected = true
	watched := showEpisode("201", 1, 1, MediaPart{
		ID:           301,
		AudioStreams: []AudioStream{refAudio},
	})
	watched.ViewCount = 1
	watched.LastViewedAt = time.Now().Add(-time.Hour)
	svc.addEpisode(watched)

	otherEN := audioStream(10, "eng", "aac", 2, "stereo", "English")
	otherEN.Selected = true
	otherFR := audioStream(11, "fra", "aac", 2, "stereo", "French")
	svc.addEpisode(showEpisode("202", 1, 2, MediaPart{
		ID:           302,
		AudioStreams: []AudioStream{otherEN, otherFR},
	}))

	svc.history = []WatchRecord{
		{RatingKey: "201", UserID: "1", ViewedAt: time.Now().Add(-time.Hour)},
	}

	server, _ := newTestServer(t, svc, Settings{})
	if err := server.DeepAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	target, _ := svc.FetchEpisode(context.Background(), "202")
	selected := target.Parts[0].SelectedAudioStream()
	if selected == nil || selected.LanguageCode != "fra" {
		t.Errorf("expected replayed preference to select French, got %v", selected)
	}
}

func TestMultiUserTrackChangesDescription(t *testing.T) {
	multi := NewMultiUserTrackChanges(EventNewEpisode, true)
	if multi.EpisodeName() != "Unknown" {
		t.Errorf("expected Unknown before processing, got %q", multi.EpisodeName())
	}
	if multi.HasChanges() {
		t.Error("expected no changes before processing")
	}

	svc := newFakeService()
	refAudio := audioStream(1, "fra", "aac", 2, "stereo", "French")
	refAudio.Selected = true
	reference := showEpisode("201", 1, 1, MediaPart{ID: 301, AudioStreams: []AudioStream{refAudio}})

	targetEN := audioStream(10, "eng", "aac", 2, "stereo", "English")
	targetEN.Selected = true
	targetFR := audioStream(11, "fra", "aac", 2, "stereo", "French")
	target := showEpisode("202", 1, 2, MediaPart{ID: 302, AudioStreams: []AudioStream{targetEN, targetFR}})
	svc.addEpisode(reference)
	svc.addEpisode(target)

	if err := multi.ChangeTrackForUser(context.Background(), svc, "alice", &reference, &target); err != nil {
		t.Fatal(err)
	}
	if !multi.HasChanges() {
		t.Fatal("expected changes")
	}
	if multi.EpisodeName() != "'Dark' (S01E02)" {
		t.Errorf("unexpected episode name %q", multi.EpisodeName())
	}
	desc := multi.Description()
	if want := "Status: New episode"; !strings.Contains(desc, want) {
		t.Errorf("description missing %q:\n%s", want, desc)
	}
}
