package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edvin/backupd/internal/model"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu sync.Mutex

	nextID         int64
	sources        map[int64]*model.BackupSource
	schedules      map[int64]*model.BackupSchedule
	backups        map[int64]*model.Backup
	services       []model.ExternalService
	serviceBackups map[int64]*model.ExternalServiceBackup

	deleteBackupErr error
	ops             []string
}

func newMemStore() *memStore {
	return &memStore{
		sources:        make(map[int64]*model.BackupSource),
		schedules:      make(map[int64]*model.BackupSchedule),
		backups:        make(map[int64]*model.Backup),
		serviceBackups: make(map[int64]*model.ExternalServiceBackup),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateSource(_ context.Context, s *model.BackupSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	c := *s
	m.sources[s.ID] = &c
	return nil
}

func (m *memStore) GetSource(_ context.Context, id int64) (*model.BackupSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, notFound("backup source %d not found", id)
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListSources(_ context.Context) ([]model.BackupSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BackupSource
	for _, s := range m.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateSource(_ context.Context, s *model.BackupSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[s.ID]; !ok {
		return notFound("backup source %d not found", s.ID)
	}
	c := *s
	m.sources[s.ID] = &c
	return nil
}

func (m *memStore) DeleteSource(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return notFound("backup source %d not found", id)
	}
	delete(m.sources, id)
	return nil
}

func (m *memStore) CountSourceReferences(_ context.Context, id int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var schedules, backups int
	for _, s := range m.schedules {
		if s.SourceID == id {
			schedules++
		}
	}
	for _, b := range m.backups {
		if b.SourceID == id {
			backups++
		}
	}
	return schedules, backups, nil
}

func (m *memStore) CreateSchedule(_ context.Context, s *model.BackupSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	c := *s
	m.schedules[s.ID] = &c
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id int64) (*model.BackupSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, notFound("backup schedule %d not found", id)
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]model.BackupSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BackupSchedule
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s *model.BackupSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return notFound("backup schedule %d not found", s.ID)
	}
	c := *s
	m.schedules[s.ID] = &c
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return notFound("backup schedule %d not found", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) SetScheduleEnabled(_ context.Context, id int64, enabled bool, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return notFound("backup schedule %d not found", id)
	}
	s.Enabled = enabled
	if nextRun != nil {
		s.NextRun = nextRun
	}
	return nil
}

func (m *memStore) SetScheduleNextRun(_ context.Context, id int64, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return notFound("backup schedule %d not found", id)
	}
	s.NextRun = &nextRun
	return nil
}

func (m *memStore) RecordScheduleRun(_ context.Context, id int64, nextRun, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return notFound("backup schedule %d not found", id)
	}
	s.NextRun = &nextRun
	s.LastRun = &lastRun
	return nil
}

func (m *memStore) CreateBackup(_ context.Context, b *model.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	c := *b
	m.backups[b.ID] = &c
	m.ops = append(m.ops, "create-backup:"+b.BackupID)
	return nil
}

func (m *memStore) CompleteBackup(_ context.Context, b *model.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.backups[b.ID]
	if !ok {
		return notFound("backup %d not found", b.ID)
	}
	cur.State, cur.FinishedAt, cur.Location, cur.SizeBytes, cur.Checksum = b.State, b.FinishedAt, b.Location, b.SizeBytes, b.Checksum
	return nil
}

func (m *memStore) MarkBackupFailed(_ context.Context, id int64, message string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.backups[id]
	if !ok {
		return notFound("backup %d not found", id)
	}
	cur.State = model.BackupStateFailed
	cur.ErrorMessage = &message
	cur.FinishedAt = &finishedAt
	return nil
}

func (m *memStore) GetBackupByExternalID(_ context.Context, backupID string) (*model.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups {
		if b.BackupID == backupID {
			c := *b
			return &c, nil
		}
	}
	return nil, notFound("backup %s not found", backupID)
}

func (m *memStore) filterBackups(keep func(*model.Backup) bool) []model.Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Backup
	for _, b := range m.backups {
		if keep(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListBackupsBySource(_ context.Context, sourceID int64) ([]model.Backup, error) {
	return m.filterBackups(func(b *model.Backup) bool { return b.SourceID == sourceID }), nil
}

func (m *memStore) ListBackupsBySchedule(_ context.Context, scheduleID int64) ([]model.Backup, error) {
	return m.filterBackups(func(b *model.Backup) bool { return b.ScheduleID != nil && *b.ScheduleID == scheduleID }), nil
}

func (m *memStore) ListBackupsStartedBefore(_ context.Context, cutoff time.Time) ([]model.Backup, error) {
	return m.filterBackups(func(b *model.Backup) bool { return b.StartedAt.Before(cutoff) }), nil
}

func (m *memStore) ListBackupsExpiredBefore(_ context.Context, now time.Time) ([]model.Backup, error) {
	return m.filterBackups(func(b *model.Backup) bool { return b.ExpiresAt != nil && b.ExpiresAt.Before(now) }), nil
}

func (m *memStore) DeleteBackup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteBackupErr != nil {
		return m.deleteBackupErr
	}
	b, ok := m.backups[id]
	if !ok {
		return notFound("backup %d not found", id)
	}
	m.ops = append(m.ops, "delete-backup:"+b.BackupID)
	delete(m.backups, id)
	return nil
}

func (m *memStore) CreateExternalService(_ context.Context, s *model.ExternalService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name == s.Name {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	s.ID = m.id()
	m.services = append(m.services, *s)
	return nil
}

func (m *memStore) ListExternalServices(_ context.Context) ([]model.ExternalService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ExternalService(nil), m.services...), nil
}

func (m *memStore) UpdateExternalServiceConfig(_ context.Context, id int64, enc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.services {
		if m.services[i].ID == id {
			m.services[i].EncryptedConfig = enc
			m.services[i].UpdatedAt = m.services[i].UpdatedAt.Add(time.Second)
			return nil
		}
	}
	return notFound("external service %d not found", id)
}

func (m *memStore) DeleteExternalService(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.services {
		if m.services[i].ID == id {
			m.services = append(m.services[:i], m.services[i+1:]...)
			return nil
		}
	}
	return notFound("external service %d not found", id)
}

func (m *memStore) CreateExternalServiceBackup(_ context.Context, b *model.ExternalServiceBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	c := *b
	m.serviceBackups[b.ID] = &c
	return nil
}

func (m *memStore) FinishExternalServiceBackup(_ context.Context, b *model.ExternalServiceBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.serviceBackups[b.ID]; !ok {
		return notFound("external service backup %d not found", b.ID)
	}
	c := *b
	m.serviceBackups[b.ID] = &c
	return nil
}

func (m *memStore) GetExternalServiceBackupByBackupID(_ context.Context, backupID int64) (*model.ExternalServiceBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.ExternalServiceBackup
	for _, b := range m.serviceBackups {
		if b.BackupID == backupID && (found == nil || b.ID > found.ID) {
			found = b
		}
	}
	if found == nil {
		return nil, notFound("external service backup for backup %d not found", backupID)
	}
	c := *found
	return &c, nil
}

// backupsNamed returns the backups whose name has the given prefix.
func (m *memStore) backupsNamed(prefix string) []model.Backup {
	return m.filterBackups(func(b *model.Backup) bool { return strings.HasPrefix(b.Name, prefix) })
}

// fakeVault "encrypts" by prefixing, so tests can see what was decrypted.
type fakeVault struct{ failEncrypt bool }

func (v fakeVault) Encrypt(s string) (string, error) {
	if v.failEncrypt {
		return "", errors.New("vault sealed")
	}
	return "enc:" + s, nil
}

func (fakeVault) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "enc:") {
		return "", errors.New("cipher: message authentication failed")
	}
	return strings.TrimPrefix(s, "enc:"), nil
}
