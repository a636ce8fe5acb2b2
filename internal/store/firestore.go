package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

// CallRecord is the archived summary of one finished call.
type CallRecord struct {
	CallID          string            `firestore:"call_id"`
	Caller          string            `firestore:"caller"`
	Reason          string            `firestore:"reason"`
	AcceptedAt      time.Time         `firestore:"accepted_at"`
	EndedAt         time.Time         `firestore:"ended_at"`
	Transcript      []ArchivedItem    `firestore:"transcript"`
	DurationSeconds float64           `firestore:"duration_seconds"`
	Cost            float64           `firestore:"cost"`
	UsageSessionID  string            `firestore:"usage_session_id"`
	Lead            map[string]string `firestore:"lead,omitempty"`
}

type ArchivedItem struct {
	ID        string    `firestore:"id"`
	Speaker   string    `firestore:"speaker"`
	Text      string    `firestore:"text"`
	Timestamp time.Time `firestore:"timestamp"`
}

// NewCallRecord assembles an archive record from the call's parts.
func NewCallRecord(callID, caller, reason string, acceptedAt, endedAt time.Time, items []transcription.Item, rec usage.Record) CallRecord {
	out := CallRecord{
		CallID:          callID,
		Caller:          caller,
		Reason:          reason,
		AcceptedAt:      acceptedAt,
		EndedAt:         endedAt,
		DurationSeconds: rec.DurationSeconds,
		Cost:            rec.Cost,
		UsageSessionID:  rec.SessionID,
		Transcript:      make([]ArchivedItem, 0, len(items)),
	}
	for _, it := range items {
		out.Transcript = append(out.Transcript, ArchivedItem{
			ID:        it.ID,
			Speaker:   it.Speaker(),
			Text:      it.Text,
			Timestamp: it.Timestamp,
		})
	}
	return out
}

// FirestoreConfig selects the project and credentials. With neither
// credential set, application default credentials are used.
type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
	CredentialsJSON string
}

// FirestoreArchive writes one document per call, keyed by call id.
type FirestoreArchive struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreArchive(ctx context.Context, cfg FirestoreConfig) (*FirestoreArchive, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "calls"
	}
	return &FirestoreArchive{client: client, collection: collection}, nil
}

// Archive stores rec, replacing any earlier document for the same call.
func (a *FirestoreArchive) Archive(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("call record has no call id")
	}
	_, err := a.client.Collection(a.collection).Doc(rec.CallID).Set(ctx, rec)
	if err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", a.collection, rec.CallID, err)
	}
	return nil
}

// Get reads an archived call back.
func (a *FirestoreArchive) Get(ctx context.Context, callID string) (CallRecord, error) {
	doc, err := a.client.Collection(a.collection).Doc(callID).Get(ctx)
	if err != nil {
		return CallRecord{}, fmt.Errorf("firestore get %s/%s: %w", a.collection, callID, err)
	}
	var rec CallRecord
	if err := doc.DataTo(&rec); err != nil {
		return CallRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	return rec, nil
}

func (a *FirestoreArchive) Close() error { return a.client.Close() }
