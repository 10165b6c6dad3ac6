package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var supportedSampleFormats = map[string]struct{}{
	"wav": {}, "mp3": {}, "ogg": {}, "flac": {},
}

// CreateVoice copies a sample recording into the voices directory and
// registers it. The first voice in the library becomes the default.
func (s *Store) CreateVoice(ctx context.Context, name, samplePath string) (Voice, error) {
	if _, err := os.Stat(samplePath); err != nil {
		return Voice{}, fmt.Errorf("sample file not found: %w", err)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(samplePath)), ".")
	if _, ok := supportedSampleFormats[ext]; !ok {
		return Voice{}, fmt.Errorf("unsupported sample format %q (supported: wav, mp3, ogg, flac)", ext)
	}

	voiceID := "voice_" + uuid.NewString()
	destPath := filepath.Join(s.cfg.VoicesDir, voiceID+"."+ext)
	if err := copyFile(samplePath, destPath); err != nil {
		return Voice{}, fmt.Errorf("copy voice sample: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voices`).Scan(&count); err != nil {
		os.Remove(destPath)
		return Voice{}, fmt.Errorf("count voices: %w", err)
	}
	isDefault := count == 0

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO voices(id, name, engine, sample_path, is_default) VALUES(?, ?, 'chatterbox', ?, ?)`,
		voiceID, name, destPath, boolToInt(isDefault)); err != nil {
		os.Remove(destPath)
		return Voice{}, fmt.Errorf("insert voice: %w", err)
	}

	return Voice{ID: voiceID, Name: name, Engine: "chatterbox", SamplePath: destPath, IsDefault: isDefault}, nil
}

// Voices lists voice profiles, default first.
func (s *Store) Voices(ctx context.Context) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, engine, sample_path, is_default FROM voices ORDER BY is_default DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query voices: %w", err)
	}
	defer rows.Close()

	var voices []Voice
	for rows.Next() {
		var v Voice
		var def int
		if err := rows.Scan(&v.ID, &v.Name, &v.Engine, &v.SamplePath, &def); err != nil {
			return nil, fmt.Errorf("scan voice: %w", err)
		}
		v.IsDefault = def != 0
		voices = append(voices, v)
	}
	return voices, rows.Err()
}

// Voice fetches one profile by id.
func (s *Store) Voice(ctx context.Context, voiceID string) (Voice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, engine, sample_path, is_default FROM voices WHERE id = ?`, voiceID)
	var v Voice
	var def int
	err := row.Scan(&v.ID, &v.Name, &v.Engine, &v.SamplePath, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return Voice{}, ErrNotFound
	}
	if err != nil {
		return Voice{}, fmt.Errorf("query voice: %w", err)
	}
	v.IsDefault = def != 0
	return v, nil
}

// DefaultVoice returns the profile marked default, or ErrNotFound when the
// library has no voices.
func (s *Store) DefaultVoice(ctx context.Context) (Voice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, engine, sample_path, is_default FROM voices ORDER BY is_default DESC, name ASC LIMIT 1`)
	var v Voice
	var def int
	err := row.Scan(&v.ID, &v.Name, &v.Engine, &v.SamplePath, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return Voice{}, ErrNotFound
	}
	if err != nil {
		return Voice{}, fmt.Errorf("query default voice: %w", err)
	}
	v.IsDefault = def != 0
	return v, nil
}

// SetDefaultVoice makes the given voice the default for new runs.
func (s *Store) SetDefaultVoice(ctx context.Context, voiceID string) error {
	if _, err := s.Voice(ctx, voiceID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set default: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE voices SET is_default = 0`); err != nil {
		return fmt.Errorf("clear default voices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE voices SET is_default = 1 WHERE id = ?`, voiceID); err != nil {
		return fmt.Errorf("set default voice: %w", err)
	}
	return tx.Commit()
}

// DeleteVoice removes the profile and its sample file. When the default is
// deleted, another voice (if any) is promoted.
func (s *Store) DeleteVoice(ctx context.Context, voiceID string) error {
	voice, err := s.Voice(ctx, voiceID)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM voices WHERE id = ?`, voiceID); err != nil {
		return fmt.Errorf("delete voice: %w", err)
	}
	if voice.SamplePath != "" {
		if err := os.Remove(voice.SamplePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove voice sample", slogPath(voice.SamplePath), slogError(err))
		}
	}
	if voice.IsDefault {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE voices SET is_default = 1 WHERE id = (SELECT id FROM voices ORDER BY name ASC LIMIT 1)`); err != nil {
			return fmt.Errorf("promote default voice: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
