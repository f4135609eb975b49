package infra

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Benign browsing and app-usage patterns. Decoy records are built from
// these so placeholder items are indistinguishable from real captures
// without the payload key; only the cleartext placeholder flag marks them.
var decoySites = []struct {
	host  string
	path  string
	title string
}{
	{"en.wikipedia.org", "/wiki/Solar_System", "Solar System - Wikipedia"},
	{"en.wikipedia.org", "/wiki/Photosynthesis", "Photosynthesis - Wikipedia"},
	{"www.khanacademy.org", "/math/arithmetic", "Arithmetic | Khan Academy"},
	{"www.khanacademy.org", "/science/biology", "Biology | Khan Academy"},
	{"kids.nationalgeographic.com", "/animals", "Animals - Nat Geo Kids"},
	{"www.weather.gov", "/forecast", "Forecast | National Weather Service"},
	{"www.merriam-webster.com", "/dictionary/curious", "Curious | Merriam-Webster"},
	{"quizlet.com", "/subject/biology", "Biology Flashcards | Quizlet"},
}

var decoyApps = []string{
	"Calculator",
	"Notes",
	"Calendar",
	"Clock",
	"Weather",
	"Dictionary",
}

// decoyRecord mirrors the shape of a captured artifact record.
type decoyRecord struct {
	Kind       string `json:"kind"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	App        string `json:"app,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	CapturedAt string `json:"captured_at"`
	SessionID  string `json:"session_id"`
}

// DecoyGenerator fabricates benign placeholder records. Seeding a few of
// them keeps queue depth and database growth from revealing when real
// captures happen; placeholders are never delivered to the collector.
type DecoyGenerator struct {
	now func() time.Time
}

// NewDecoyGenerator creates a decoy record generator.
func NewDecoyGenerator() *DecoyGenerator {
	return &DecoyGenerator{now: time.Now}
}

// Record fabricates one benign artifact record as JSON.
func (g *DecoyGenerator) Record() ([]byte, error) {
	// Timestamp jittered into the recent past so decoys interleave
	// naturally with real captures.
	capturedAt := g.now().Add(-time.Duration(randomInt(30*60)) * time.Second)

	rec := decoyRecord{
		CapturedAt: capturedAt.UTC().Format(time.RFC3339),
		SessionID:  generateRandomHex(12),
	}

	if randomInt(2) == 0 {
		site := decoySites[randomInt(len(decoySites))]
		rec.Kind = "page_visit"
		rec.URL = fmt.Sprintf("https://%s%s", site.host, site.path)
		rec.Title = site.title
	} else {
		rec.Kind = "app_session"
		rec.App = decoyApps[randomInt(len(decoyApps))]
		rec.DurationMS = int64(30+randomInt(600)) * 1000
	}

	return json.Marshal(rec)
}

// randomInt returns a cryptographically random int in [0, max).
func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

// generateRandomHex generates a random hex string of specified length.
func generateRandomHex(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return "000000"
	}
	return hex.EncodeToString(bytes)[:length]
}
