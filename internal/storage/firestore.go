package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/contentdesk/internal/emailutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore batch write limit
const maxBatchSize = 500

// FirestoreStorage keeps identities and OAuth states in Google Cloud Firestore.
// Identity documents are keyed by normalized email and state documents by
// the state value, so uniqueness comes from the document id.
type FirestoreStorage struct {
	client             *firestore.Client
	identityCollection string
	stateCollection    string
}

var _ Storage = (*FirestoreStorage)(nil)

// IdentityDoc represents an identity document in Firestore
type IdentityDoc struct {
	ID          string    `firestore:"id"`
	Email       string    `firestore:"email"`
	Name        string    `firestore:"name"`
	PictureURL  string    `firestore:"picture_url"`
	CreatedAt   time.Time `firestore:"created_at"`
	LastLoginAt time.Time `firestore:"last_login_at"`
}

// StateDoc represents an OAuth state document in Firestore
type StateDoc struct {
	Platform  string    `firestore:"platform"`
	UserEmail string    `firestore:"user_email"`
	ReturnTo  string    `firestore:"return_to"`
	CreatedAt time.Time `firestore:"created_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
	Used      bool      `firestore:"used"`
}

func (d *StateDoc) toState(state string) *OAuthState {
	return &OAuthState{
		State:     state,
		Platform:  d.Platform,
		UserEmail: d.UserEmail,
		ReturnTo:  d.ReturnTo,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		Used:      d.Used,
	}
}

// NewFirestoreStorage creates a new Firestore storage instance. Collections
// are named <prefix>_identities and <prefix>_oauth_states.
func NewFirestoreStorage(ctx context.Context, projectID, database, prefix string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("collection prefix is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Firestore storage ready", map[string]any{
		"project":  projectID,
		"database": database,
		"prefix":   prefix,
	})

	return &FirestoreStorage{
		client:             client,
		identityCollection: prefix + "_identities",
		stateCollection:    prefix + "_oauth_states",
	}, nil
}

// UpsertIdentity reads and writes the identity document in one transaction
// so the id and creation time survive concurrent first logins
func (s *FirestoreStorage) UpsertIdentity(ctx context.Context, in Identity) (*Identity, error) {
	email := emailutil.Normalize(in.Email)
	if in.LastLoginAt.IsZero() {
		in.LastLoginAt = time.Now()
	}
	ref := s.client.Collection(s.identityCollection).Doc(email)

	var result IdentityDoc
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := doc.DataTo(&result); err != nil {
				return fmt.Errorf("failed to unmarshal identity: %w", err)
			}
		case status.Code(err) == codes.NotFound:
			result = IdentityDoc{
				ID:        uuid.NewString(),
				Email:     email,
				CreatedAt: in.LastLoginAt,
			}
		default:
			return fmt.Errorf("failed to get identity: %w", err)
		}

		result.Name = in.Name
		result.PictureURL = in.PictureURL
		result.LastLoginAt = in.LastLoginAt
		return tx.Set(ref, result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identity: %w", err)
	}

	identity := Identity(result)
	return &identity, nil
}

func (s *FirestoreStorage) GetIdentity(ctx context.Context, email string) (*Identity, error) {
	doc, err := s.client.Collection(s.identityCollection).Doc(emailutil.Normalize(email)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity from Firestore: %w", err)
	}

	var identityDoc IdentityDoc
	if err := doc.DataTo(&identityDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	identity := Identity(identityDoc)
	return &identity, nil
}

func (s *FirestoreStorage) SaveState(ctx context.Context, state *OAuthState) error {
	doc := StateDoc{
		Platform:  state.Platform,
		UserEmail: state.UserEmail,
		ReturnTo:  state.ReturnTo,
		CreatedAt: state.CreatedAt,
		ExpiresAt: state.ExpiresAt,
		Used:      state.Used,
	}
	_, err := s.client.Collection(s.stateCollection).Doc(state.State).Create(ctx, doc)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrStateExists
		}
		return fmt.Errorf("failed to store state in Firestore: %w", err)
	}
	return nil
}

// ConsumeState checks and flips the used flag inside a transaction. Firestore
// retries the transaction on contention, and the retry then sees used = true.
func (s *FirestoreStorage) ConsumeState(ctx context.Context, state string, now time.Time) (*OAuthState, error) {
	ref := s.client.Collection(s.stateCollection).Doc(state)

	var result *OAuthState
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrStateNotFound
			}
			return fmt.Errorf("failed to get state: %w", err)
		}

		var stateDoc StateDoc
		if err := doc.DataTo(&stateDoc); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		candidate := stateDoc.toState(state)
		if !candidate.Redeemable(now) {
			return ErrStateNotFound
		}

		candidate.Used = true
		result = candidate
		return tx.Update(ref, []firestore.Update{
			{Path: "used", Value: true},
		})
	})
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	return result, nil
}

// PurgeStates deletes expired states, then used ones. Firestore cannot OR
// the two conditions in one query without a composite filter index.
func (s *FirestoreStorage) PurgeStates(ctx context.Context, now time.Time) (int, error) {
	states := s.client.Collection(s.stateCollection)

	expired, err := s.deleteMatching(ctx, states.Where("expires_at", "<=", now))
	if err != nil {
		return expired, err
	}
	used, err := s.deleteMatching(ctx, states.Where("used", "==", true))
	return expired + used, err
}

func (s *FirestoreStorage) deleteMatching(ctx context.Context, query firestore.Query) (int, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate states: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
