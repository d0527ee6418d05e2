// Package mailstate is the producer watermark store from spec.md §4.6
// (C6), ported from
// _examples/original_source/src/producer/state_manager.py: per
// (account,mailbox) last-seen UID and UIDVALIDITY, used to resume
// incremental IMAP polling after a restart.
//
// Export/Import supplement the distilled spec with the backup/restore
// boundary from
// _examples/original_source/scripts/{backup,restore}.py, scoped here to
// the producer_state key namespace rather than a whole-database dump.
package mailstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// Store tracks per-mailbox producer watermarks.
type Store struct {
	client   *redis.Client
	username string
	prefix   string
}

// New constructs a Store namespaced to username, matching
// state_manager.py's producer_state:<username> key prefix.
func New(client *redis.Client, username string) *Store {
	return &Store{client: client, username: username, prefix: fmt.Sprintf("producer_state:%s", username)}
}

func (s *Store) key(mailbox, kind string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, mailbox, kind)
}

// LastUID returns the last processed UID for mailbox, 0 if unset.
func (s *Store) LastUID(ctx context.Context, mailbox string) (uint64, error) {
	v, err := s.client.Get(ctx, s.key(mailbox, "last_uid")).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.StateMismatch("redis", err)
	}
	uid, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperrors.StateMismatch("redis", err)
	}
	return uid, nil
}

// SetLastUID stores uid as the last processed UID for mailbox.
func (s *Store) SetLastUID(ctx context.Context, mailbox string, uid uint64) error {
	if err := s.client.Set(ctx, s.key(mailbox, "last_uid"), strconv.FormatUint(uid, 10), 0).Err(); err != nil {
		return apperrors.StateMismatch("redis", err)
	}
	return nil
}

// StoredUIDValidity returns the stored UIDVALIDITY and whether one is set.
func (s *Store) StoredUIDValidity(ctx context.Context, mailbox string) (uint64, bool, error) {
	v, err := s.client.Get(ctx, s.key(mailbox, "uidvalidity")).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.StateMismatch("redis", err)
	}
	uidvalidity, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, apperrors.StateMismatch("redis", err)
	}
	return uidvalidity, true, nil
}

// SetUIDValidity stores the mailbox's current UIDVALIDITY.
func (s *Store) SetUIDValidity(ctx context.Context, mailbox string, uidvalidity uint64) error {
	if err := s.client.Set(ctx, s.key(mailbox, "uidvalidity"), strconv.FormatUint(uidvalidity, 10), 0).Err(); err != nil {
		return apperrors.StateMismatch("redis", err)
	}
	return nil
}

// CheckUIDValidityChanged compares current against the stored value. A
// first-ever observation stores current and reports no change.
func (s *Store) CheckUIDValidityChanged(ctx context.Context, mailbox string, current uint64) (bool, error) {
	stored, ok, err := s.StoredUIDValidity(ctx, mailbox)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, s.SetUIDValidity(ctx, mailbox, current)
	}
	return decideRollover(ok, stored, current), nil
}

// decideRollover is the pure decision behind CheckUIDValidityChanged's
// reset branch: a previously-observed mailbox whose UIDVALIDITY no
// longer matches must be reset before any new UID is recorded under it
// (spec.md §4.6, seed scenario "UIDVALIDITY rollover").
func decideRollover(hasStored bool, storedUIDValidity, currentUIDValidity uint64) bool {
	return hasStored && storedUIDValidity != currentUIDValidity
}

// ResetMailbox zeroes the last-UID watermark after a detected
// UIDVALIDITY change and clears the stored UIDVALIDITY, so the next
// CheckUIDValidityChanged (the one inside CommitAtomic) records the new
// value instead of reporting a mismatch.
func (s *Store) ResetMailbox(ctx context.Context, mailbox string) error {
	if err := s.SetLastUID(ctx, mailbox, 0); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(mailbox, "uidvalidity")).Err(); err != nil {
		return apperrors.StateMismatch("redis", err)
	}
	return nil
}

// UpdateLastPoll records the current time as mailbox's last poll.
// Failures here are logged by the caller, not fatal, mirroring
// update_last_poll_time's non-critical try/except.
func (s *Store) UpdateLastPoll(ctx context.Context, mailbox string) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	return s.client.Set(ctx, s.key(mailbox, "last_poll"), ts, 0).Err()
}

// IncrementEmailCount adds count to mailbox's running total.
func (s *Store) IncrementEmailCount(ctx context.Context, mailbox string, count uint64) error {
	_, err := s.client.IncrBy(ctx, s.key(mailbox, "total_emails"), int64(count)).Result()
	return err
}

// CommitAtomic applies the post-batch state update: verifies
// UIDVALIDITY hasn't moved under us, then advances last_uid, stores
// uidvalidity, and bumps last_poll. Despite the name it is not a single
// Redis transaction (the source isn't either); the UIDVALIDITY
// recheck narrows, but does not eliminate, the race against a
// concurrent external RESET.
func (s *Store) CommitAtomic(ctx context.Context, mailbox string, uidvalidity uint64, newLastUID uint64) error {
	changed, err := s.CheckUIDValidityChanged(ctx, mailbox, uidvalidity)
	if err != nil {
		return err
	}
	if changed {
		return apperrors.StateMismatch("redis", fmt.Errorf("uidvalidity mismatch during state update for %s", mailbox))
	}
	if err := s.SetLastUID(ctx, mailbox, newLastUID); err != nil {
		return err
	}
	if err := s.SetUIDValidity(ctx, mailbox, uidvalidity); err != nil {
		return err
	}
	return s.UpdateLastPoll(ctx, mailbox)
}

// Summary returns a point-in-time MailboxState snapshot.
func (s *Store) Summary(ctx context.Context, mailbox string) (model.MailboxState, error) {
	lastUID, err := s.LastUID(ctx, mailbox)
	if err != nil {
		return model.MailboxState{}, err
	}
	uidvalidity, ok, err := s.StoredUIDValidity(ctx, mailbox)
	if err != nil {
		return model.MailboxState{}, err
	}
	total, _ := s.client.Get(ctx, s.key(mailbox, "total_emails")).Uint64()
	return model.MailboxState{
		Account:        s.username,
		Mailbox:        mailbox,
		LastUID:        lastUID,
		UIDValidity:    uidvalidity,
		HasUIDValidity: ok,
		TotalEmails:    total,
	}, nil
}

// snapshot is the on-disk shape written/read by Export/Import.
type snapshot struct {
	Metadata struct {
		ExportedAt time.Time `json:"exported_at"`
		Username   string    `json:"username"`
		Keys       int       `json:"keys"`
	} `json:"metadata"`
	Data map[string]string `json:"data"`
}

// Export dumps every key under this store's prefix to a portable JSON
// document, the Go analog of backup.py's export_database scoped to the
// producer_state namespace.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	snap := snapshot{Data: make(map[string]string)}
	snap.Metadata.Username = s.username
	snap.Metadata.ExportedAt = time.Now().UTC()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 200).Result()
		if err != nil {
			return nil, apperrors.StateMismatch("redis", err)
		}
		for _, k := range keys {
			v, err := s.client.Get(ctx, k).Result()
			if err != nil && err != redis.Nil {
				return nil, apperrors.StateMismatch("redis", err)
			}
			snap.Data[k] = v
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	snap.Metadata.Keys = len(snap.Data)
	return json.MarshalIndent(snap, "", "  ")
}

// Import restores keys previously produced by Export. Existing keys
// are overwritten; see restore.py's equivalent script behavior.
func (s *Store) Import(ctx context.Context, data []byte) (int, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, apperrors.Configuration("mailstate", err)
	}
	for k, v := range snap.Data {
		if err := s.client.Set(ctx, k, v, 0).Err(); err != nil {
			return 0, apperrors.StateMismatch("redis", err)
		}
	}
	return len(snap.Data), nil
}
