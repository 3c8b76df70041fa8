package plex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Plex-Token") != "token-1" {
			t.Errorf("missing token header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"MediaContainer":{"machineIdentifier":"machine-1"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	identity, err := client.Identity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if identity != "machine-1" {
		t.Errorf("expected machine-1, got %q", identity)
	}
}

func TestFetchEpisode(t *testing.T) {
	payload := `{
		"MediaContainer": {
			"Metadata": [{
				"ratingKey": "202",
				"key": "/library/metadata/202",
				"type": "episode",
				"title": "Pilot",
				"grandparentTitle": "Dark",
				"grandparentRatingKey": "100",
				"parentRatingKey": "101",
				"parentIndex": 1,
				"index": 2,
				"librarySectionTitle": "TV Shows",
				"addedAt": 1700000000,
				"Media": [{
					"Part": [{
						"id": 302,
						"key": "/library/parts/302",
						"Stream": [
							{"id": 10, "streamType": 2, "languageCode": "eng", "codec": "aac", "channels": 2, "audioChannelLayout": "stereo", "displayTitle": "English", "selected": true},
							{"id": 11, "streamType": 2, "languageCode": "fra", "codec": "aac", "channels": 2, "audioChannelLayout": "stereo", "displayTitle": "French"},
							{"id": 20, "streamType": 3, "languageCode": "eng", "codec": "srt", "forced": true, "displayTitle": "English (Forced)"},
							{"id": 1, "streamType": 1, "codec": "hevc"}
						]
					}]
				}]
			}]
		}
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/library/metadata/202":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(payload))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	episode, err := client.FetchEpisode(context.Background(), "202")
	if err != nil {
		t.Fatal(err)
	}
	if episode == nil {
		t.Fatal("expected an episode")
	}
	if episode.ShowTitle != "Dark" || episode.SeasonNumber != 1 || episode.EpisodeNumber != 2 {
		t.Errorf("unexpected episode metadata: %+v", episode)
	}
	if len(episode.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(episode.Parts))
	}
	part := episode.Parts[0]
	if len(part.AudioStreams) != 2 || len(part.SubtitleStreams) != 1 {
		t.Fatalf("expected 2 audio and 1 subtitle streams, got %d and %d",
			len(part.AudioStreams), len(part.SubtitleStreams))
	}
	selected := part.SelectedAudioStream()
	if selected == nil || selected.ID != 10 {
		t.Errorf("expected audio stream 10 selected, got %v", selected)
	}
	if !part.SubtitleStreams[0].Forced {
		t.Error("expected forced subtitle flag preserved")
	}

	// Unknown keys map to (nil, nil).
	missing, err := client.FetchEpisode(context.Background(), "999")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown key, got %+v", missing)
	}
}

func TestFetchEpisodeNonEpisode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"MediaContainer":{"Metadata":[{"ratingKey":"50","type":"movie"}]}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	episode, err := client.FetchEpisode(context.Background(), "50")
	if err != nil {
		t.Fatal(err)
	}
	if episode != nil {
		t.Errorf("expected nil for non-episode, got %+v", episode)
	}
}

func TestSetStreams(t *testing.T) {
	var gotQueries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/library/parts/302" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotQueries = append(gotQueries, r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	ctx := context.Background()
	if err := client.SetAudioStream(ctx, 302, 11); err != nil {
		t.Fatal(err)
	}
	if err := client.SetSubtitleStream(ctx, 302, 20); err != nil {
		t.Fatal(err)
	}
	if err := client.ClearSubtitleStream(ctx, 302); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"allParts=1&audioStreamID=11",
		"allParts=1&subtitleStreamID=20",
		"allParts=1&subtitleStreamID=0",
	}
	if len(gotQueries) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(gotQueries))
	}
	for i := range want {
		if gotQueries[i] != want[i] {
			t.Errorf("request %d: expected query %q, got %q", i, want[i], gotQueries[i])
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://plex.local:32400", "ws://plex.local:32400/:/websockets/notifications?X-Plex-Token=tok"},
		{"https://plex.example.com", "wss://plex.example.com/:/websockets/notifications?X-Plex-Token=tok"},
	}
	for _, tt := range tests {
		l := NewListener(tt.base, "tok", nil)
		got, err := l.websocketURL()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
