package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

const (
	fileSuffix       = ".age"
	defaultBatchSize = 100
)

var (
	// ErrNotConfigured is returned when no backup recipient is set.
	ErrNotConfigured = errors.New("backup: no recipient configured")
	// ErrNoExporter is returned before SetExporter has been called.
	ErrNoExporter = errors.New("backup: session exporter not attached")
)

// SessionExporter converts stored inbound sessions to and from their
// portable form.
type SessionExporter interface {
	ExportSessions(records []domain.InboundGroupSession) ([]domain.ExportedSession, error)
	ImportSessions(ctx context.Context, sessions []domain.ExportedSession, backedUp bool) (int, error)
}

// Config locates the backup and names the key it is encrypted to.
type Config struct {
	Dir string
	// Recipient is an age X25519 public key (age1...). Empty disables
	// automatic backup.
	Recipient string
	BatchSize int
}

// Service writes and restores key backups.
type Service struct {
	cfg       Config
	recipient *age.X25519Recipient
	sessions  domain.InboundGroupSessionStore
	clock     clock.Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	exporter SessionExporter
	seq      int
}

// New constructs the backup service.
func New(
	cfg Config,
	sessions domain.InboundGroupSessionStore,
	c clock.Clock,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		clock:    c,
		logger:   logger.With().Str("service", "backup").Logger(),
	}
	if cfg.Recipient != "" {
		r, err := age.ParseX25519Recipient(cfg.Recipient)
		if err != nil {
			return nil, fmt.Errorf("parse backup recipient: %w", err)
		}
		s.recipient = r
	}
	return s, nil
}

// SetExporter attaches the inbound session manager, which itself reports
// new sessions to this service.
func (s *Service) SetExporter(e SessionExporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exporter = e
}

// GenerateKey returns a new age identity and its public recipient.
func GenerateKey() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate backup key: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// MaybeBackupKeys backs up pending sessions when a recipient is set.
// Failures are logged; the sessions stay pending for the next attempt.
func (s *Service) MaybeBackupKeys(ctx context.Context) {
	if s.recipient == nil {
		return
	}
	if _, err := s.BackupKeys(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("key backup failed")
	}
}

// BackupKeys writes every session that is not backed up yet and returns
// how many were written.
func (s *Service) BackupKeys(ctx context.Context) (int, error) {
	if s.recipient == nil {
		return 0, ErrNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporter == nil {
		return 0, ErrNoExporter
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return 0, err
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := s.sessions.InboundGroupSessionsToBackUp(s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		exported, err := s.exporter.ExportSessions(batch)
		if err != nil {
			return total, fmt.Errorf("export sessions: %w", err)
		}
		if err := s.writeBatch(exported); err != nil {
			return total, err
		}
		if err := s.sessions.MarkInboundGroupSessionsBackedUp(batch); err != nil {
			return total, err
		}
		total += len(batch)
		s.logger.Info().Int("sessions", len(batch)).Msg("backed up room keys")
	}
}

func (s *Service) writeBatch(sessions []domain.ExportedSession) error {
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing backup: %w", err)
	}

	s.seq++
	name := fmt.Sprintf("keys-%020d-%04d%s", s.clock.Now().UnixNano(), s.seq, fileSuffix)
	path := filepath.Join(s.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Restore decrypts every backup file with identity and imports the
// sessions, flagged as already backed up.
func (s *Service) Restore(ctx context.Context, identity string) (int, error) {
	s.mu.Lock()
	exporter := s.exporter
	s.mu.Unlock()
	if exporter == nil {
		return 0, ErrNoExporter
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return 0, fmt.Errorf("parse backup identity: %w", err)
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	imported := 0
	for _, name := range names {
		f, err := os.Open(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			return imported, err
		}
		sessions, err := decryptSessions(f, id)
		_ = f.Close()
		if err != nil {
			return imported, fmt.Errorf("%s: %w", name, err)
		}
		n, err := exporter.ImportSessions(ctx, sessions, true)
		imported += n
		if err != nil {
			return imported, err
		}
	}
	s.logger.Info().Int("sessions", imported).Int("files", len(names)).Msg("restored key backup")
	return imported, nil
}

// ExportKeys writes every known session to w as an armored age file
// protected by passphrase. It returns the number of sessions written.
func (s *Service) ExportKeys(w io.Writer, passphrase string) (int, error) {
	s.mu.Lock()
	exporter := s.exporter
	s.mu.Unlock()
	if exporter == nil {
		return 0, ErrNoExporter
	}
	records, err := s.sessions.InboundGroupSessions()
	if err != nil {
		return 0, err
	}
	exported, err := exporter.ExportSessions(records)
	if err != nil {
		return 0, fmt.Errorf("export sessions: %w", err)
	}
	if err := WriteExport(w, exported, passphrase); err != nil {
		return 0, err
	}
	return len(exported), nil
}

// ImportKeys reads a passphrase-protected export and imports its sessions.
func (s *Service) ImportKeys(ctx context.Context, r io.Reader, passphrase string) (int, error) {
	s.mu.Lock()
	exporter := s.exporter
	s.mu.Unlock()
	if exporter == nil {
		return 0, ErrNoExporter
	}
	sessions, err := ReadExport(r, passphrase)
	if err != nil {
		return 0, err
	}
	return exporter.ImportSessions(ctx, sessions, false)
}

// WriteExport encrypts sessions with passphrase into an armored age file.
func WriteExport(w io.Writer, sessions []domain.ExportedSession, passphrase string) error {
	if passphrase == "" {
		return errors.New("backup: export passphrase is required")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	aw := armor.NewWriter(w)
	ew, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := ew.Write(plaintext); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finalizing export: %w", err)
	}
	return aw.Close()
}

// ReadExport decrypts an armored export written by WriteExport.
func ReadExport(r io.Reader, passphrase string) ([]domain.ExportedSession, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	return decryptSessions(armor.NewReader(r), identity)
}

func decryptSessions(r io.Reader, identity age.Identity) ([]domain.ExportedSession, error) {
	dr, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted sessions: %w", err)
	}
	var sessions []domain.ExportedSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return sessions, nil
}

var _ domain.KeyBackup = (*Service)(nil)
