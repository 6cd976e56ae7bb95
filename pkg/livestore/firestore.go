package livestore

import (
	"context"
	"fmt"
	"log"

	"harvest-backend/internal/ingest/domain"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
)

const defaultCollection = "harvest_records"

// FirestoreMirror keeps the low-latency copy of ingest records. Documents are
// keyed by (device, channel, fingerprint) so repeated upserts converge.
type FirestoreMirror struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreMirror opens the Firestore client of an initialized Firebase app
func NewFirestoreMirror(ctx context.Context, app *firebase.App, collection string) (*FirestoreMirror, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get firestore client: %w", err)
	}
	if collection == "" {
		collection = defaultCollection
	}
	log.Printf("[Firestore] Mirror ready (collection=%s)", collection)
	return &FirestoreMirror{client: client, collection: collection}, nil
}

// Upsert writes the document, replacing any earlier copy
func (m *FirestoreMirror) Upsert(ctx context.Context, doc *domain.MirrorDocument) error {
	_, err := m.client.Collection(m.collection).Doc(doc.DocumentID()).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("firestore set %s: %w", doc.DocumentID(), err)
	}
	return nil
}

func (m *FirestoreMirror) Close() error {
	return m.client.Close()
}
