package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/dump"
	"github.com/edvin/backupd/internal/externalsvc"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/notify"
	"github.com/edvin/backupd/internal/storage"
	"github.com/edvin/backupd/internal/storage/storagetest"
)

var testNow = time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

// ---------- Fakes ----------

type fakeDumper struct {
	data []byte
	err  error
}

func (d *fakeDumper) Backend() dump.Backend { return dump.BackendPostgres }

func (d *fakeDumper) Dump(_ context.Context, dst io.Writer) error {
	if d.err != nil {
		return d.err
	}
	_, err := dst.Write(d.data)
	return err
}

type fakeRestorer struct {
	preflightErr error
	restoreErr   error
	restored     []byte
	calls        int
}

func (r *fakeRestorer) Backend() dump.Backend { return dump.BackendPostgres }
func (r *fakeRestorer) Preflight() error      { return r.preflightErr }

func (r *fakeRestorer) Restore(_ context.Context, path string) error {
	r.calls++
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r.restored = data
	return r.restoreErr
}

type fakeNotifier struct {
	sent []notify.Notification
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.sent = append(n.sent, msg)
	return n.err
}

type fakeRegistry struct {
	entries []externalsvc.Entry
	err     error
}

func (r *fakeRegistry) List(_ context.Context) ([]externalsvc.Entry, error) {
	return r.entries, r.err
}

// fakePlugin records its service backup the way real plugins do and writes
// a small object under the request subpath.
type fakePlugin struct {
	fail  error
	calls int
	reqs  []externalsvc.BackupRequest
}

func (p *fakePlugin) Type() string { return "postgres" }

func (p *fakePlugin) BackupToS3(ctx context.Context, req externalsvc.BackupRequest) (string, error) {
	p.calls++
	p.reqs = append(p.reqs, req)
	rec := &model.ExternalServiceBackup{ServiceID: req.Service.ID, BackupID: req.Parent.ID, State: model.BackupStateRunning}
	if err := req.Recorder.CreateExternalServiceBackup(ctx, rec); err != nil {
		return "", err
	}
	if p.fail != nil {
		rec.State = model.BackupStateFailed
		_ = req.Recorder.FinishExternalServiceBackup(ctx, rec)
		return "", p.fail
	}
	size := int64(3)
	rec.State = model.BackupStateCompleted
	rec.SizeBytes = &size
	rec.Location = req.Subpath + "/dump.sql"
	if err := req.Recorder.FinishExternalServiceBackup(ctx, rec); err != nil {
		return "", err
	}
	return rec.Location, nil
}

type harness struct {
	svc      *BackupService
	store    *memStore
	s3       *storagetest.FakeS3
	notifier *fakeNotifier
	dumper   *fakeDumper
	restorer *fakeRestorer
	registry *fakeRegistry
	source   *model.BackupSource
	clients  []storage.ClientConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		s3:       storagetest.New(),
		notifier: &fakeNotifier{},
		dumper:   &fakeDumper{data: []byte("dump-bytes")},
		restorer: &fakeRestorer{},
		registry: &fakeRegistry{},
	}
	endpoint := "minio:9000"
	h.source = &model.BackupSource{
		Name:        "primary",
		BucketName:  "backups",
		BucketPath:  "/platform/",
		Region:      "eu-west-1",
		Endpoint:    &endpoint,
		AccessKeyID: "enc:AKIA",
		SecretKey:   "enc:secret",
	}
	require.NoError(t, h.store.CreateSource(context.Background(), h.source))

	h.svc = NewBackupService(BackupDeps{
		Store: h.store,
		Vault: fakeVault{},
		Storage: func(cfg storage.ClientConfig) storage.ObjectAPI {
			h.clients = append(h.clients, cfg)
			return h.s3
		},
		Dumper:       h.dumper,
		Restorer:     h.restorer,
		Services:     h.registry,
		Notifier:     h.notifier,
		ServerConfig: "service_name: backupd\n",
		TempDir:      t.TempDir(),
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return testNow },
	})
	return h
}

func (h *harness) create(t *testing.T) *model.Backup {
	t.Helper()
	b, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID, CreatedBy: 7})
	require.NoError(t, err)
	return b
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// ---------- CreateBackup ----------

func TestCreateBackup_SinglePut(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	assert.Equal(t, "platform/backups/2026/03/14/"+b.BackupID+"/backup.postgresql.gz", b.Location)
	assert.Equal(t, "Backup "+b.BackupID, b.Name)
	assert.Equal(t, model.BackupStateCompleted, b.State)
	assert.Equal(t, model.BackupTypeFull, b.BackupType)
	assert.Equal(t, model.CompressionGzip, b.CompressionType)
	assert.Equal(t, int64(7), b.CreatedBy)
	require.NotNil(t, b.SizeBytes)
	assert.Equal(t, int64(len("dump-bytes")), *b.SizeBytes)
	sum := sha256.Sum256([]byte("dump-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), *b.Checksum)
	assert.Nil(t, b.ExpiresAt)

	data, ok := h.s3.Object(b.Location)
	require.True(t, ok)
	assert.Equal(t, "dump-bytes", string(data))
	assert.Equal(t, storage.ContentTypeGzip, h.s3.ContentType(b.Location))
	assert.Equal(t, 0, h.s3.CallCount("CreateMultipartUpload"))

	require.NotEmpty(t, h.clients)
	assert.Equal(t, "AKIA", h.clients[0].AccessKeyID)
	assert.Equal(t, "secret", h.clients[0].SecretAccessKey)
	assert.Equal(t, "minio:9000", h.clients[0].Endpoint)

	stored, err := h.store.GetBackupByExternalID(context.Background(), b.BackupID)
	require.NoError(t, err)
	assert.Equal(t, model.BackupStateCompleted, stored.State)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(stored.Metadata, &meta))
	assert.Equal(t, "1.0", meta["database_version"])
}

func TestCreateBackup_WritesMetadataAndIndex(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	metaKey := "platform/backups/2026/03/14/" + b.BackupID + "/metadata.json"
	raw, ok := h.s3.Object(metaKey)
	require.True(t, ok)
	assert.Equal(t, storage.ContentTypeJSON, h.s3.ContentType(metaKey))

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, b.BackupID, meta.BackupID)
	assert.Equal(t, "primary", meta.Source.Name)
	assert.Equal(t, "backups", meta.Source.Bucket)
	assert.Equal(t, "service_name: backupd\n", meta.ServerConfig)
	assert.Empty(t, meta.ExternalServiceBackups)
	assert.NotContains(t, string(raw), "AKIA")

	raw, ok = h.s3.Object("platform/backups/index.json")
	require.True(t, ok)
	var idx BackupIndex
	require.NoError(t, json.Unmarshal(raw, &idx))
	require.Len(t, idx.Backups, 1)
	assert.Equal(t, b.BackupID, idx.Backups[0].BackupID)
	assert.Equal(t, b.ID, idx.Backups[0].ID)
	assert.Equal(t, metaKey, idx.Backups[0].MetadataLocation)
	assert.Equal(t, b.Location, idx.Backups[0].Location)
	assert.True(t, idx.LastUpdated.Equal(testNow))
}

func TestCreateBackup_IndexAppends(t *testing.T) {
	h := newHarness(t)
	first := h.create(t)
	second := h.create(t)

	idx, err := h.svc.ListSourceIndex(context.Background(), h.source.ID)
	require.NoError(t, err)
	require.Len(t, idx.Backups, 2)
	assert.Equal(t, first.BackupID, idx.Backups[0].BackupID)
	assert.Equal(t, second.BackupID, idx.Backups[1].BackupID)
}

func TestCreateBackup_UnreadableIndexStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.s3.Put("platform/backups/index.json", []byte("{not json"))

	b := h.create(t)

	raw, _ := h.s3.Object("platform/backups/index.json")
	var idx BackupIndex
	require.NoError(t, json.Unmarshal(raw, &idx))
	require.Len(t, idx.Backups, 1)
	assert.Equal(t, b.BackupID, idx.Backups[0].BackupID)
}

func TestCreateBackup_LargeDumpUsesMultipart(t *testing.T) {
	h := newHarness(t)
	h.dumper.data = make([]byte, 40<<20)
	_, err := rand.Read(h.dumper.data)
	require.NoError(t, err)

	b := h.create(t)

	assert.Equal(t, 1, h.s3.CallCount("CreateMultipartUpload"))
	assert.Equal(t, 8, h.s3.CallCount("UploadPart"))
	require.Len(t, h.s3.Completed, 1)
	parts := h.s3.Completed[0]
	require.Len(t, parts, 8)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), *p.PartNumber)
	}
	data, ok := h.s3.Object(b.Location)
	require.True(t, ok)
	assert.True(t, bytes.Equal(h.dumper.data, data))
	assert.Equal(t, int64(40<<20), *b.SizeBytes)
}

func TestCreateBackup_RetentionSetsExpiry(t *testing.T) {
	h := newHarness(t)
	scheduleID := int64(5)
	b, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID, ScheduleID: &scheduleID, RetentionDays: 7})
	require.NoError(t, err)

	require.NotNil(t, b.ExpiresAt)
	assert.True(t, b.ExpiresAt.Equal(testNow.AddDate(0, 0, 7)))
	assert.Equal(t, &scheduleID, b.ScheduleID)
}

func TestCreateBackup_SourceNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: 999})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Empty(t, h.s3.Calls)
}

func TestCreateBackup_DumpFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.dumper.err = &dump.Error{Op: "pg_dump", Err: errors.New("exit code 1: connection refused")}

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInternal))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, h.s3.Calls)
	assert.Empty(t, h.store.backups)
}

func TestCreateBackup_UploadFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.s3.FailPut["backup.postgresql.gz"] = errors.New("access denied")

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorage))
	assert.Empty(t, h.store.backups)
	assert.Empty(t, h.s3.Keys())
}

func TestCreateBackup_BadCredentials(t *testing.T) {
	h := newHarness(t)
	src, _ := h.store.GetSource(context.Background(), h.source.ID)
	src.SecretKey = "plaintext"
	require.NoError(t, h.store.UpdateSource(context.Background(), src))

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt secret key")
	assert.Empty(t, h.clients)
}

func TestCreateBackup_ExternalServices(t *testing.T) {
	h := newHarness(t)
	plugin := &fakePlugin{}
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: plugin},
		{Service: model.ExternalService{ID: 12, Name: "pg-analytics", ServiceType: "postgres"}, Plugin: plugin},
	}

	b := h.create(t)

	require.Equal(t, 2, plugin.calls)
	assert.Equal(t, "platform/external_services/postgres/pg-main/2026/03/14", plugin.reqs[0].Subpath)
	assert.Equal(t, "platform/external_services/postgres/pg-main", plugin.reqs[0].Root)
	assert.Equal(t, "backups", plugin.reqs[0].Bucket)

	envelopes := h.store.backupsNamed("External Service Backup: ")
	require.Len(t, envelopes, 2)
	for _, e := range envelopes {
		assert.Equal(t, model.BackupStateCompleted, e.State)
		assert.NotEmpty(t, e.Location)
		assert.Nil(t, e.ScheduleID)
	}

	raw, _ := h.s3.Object("platform/backups/2026/03/14/" + b.BackupID + "/metadata.json")
	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Len(t, meta.ExternalServiceBackups, 2)
	assert.Equal(t, int64(11), meta.ExternalServiceBackups[0].ServiceID)
	assert.Equal(t, "pg-main", meta.ExternalServiceBackups[0].Metadata["service_name"])
	assert.Equal(t, "platform/external_services/postgres/pg-main/2026/03/14/dump.sql", meta.ExternalServiceBackups[0].S3Location)
	assert.Equal(t, model.BackupStateCompleted, meta.ExternalServiceBackups[0].State)
}

func TestCreateBackup_SecondExternalServiceFails(t *testing.T) {
	h := newHarness(t)
	ok := &fakePlugin{}
	bad := &fakePlugin{fail: errors.New("pg_dumpall exit code 1: connection refused")}
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: ok},
		{Service: model.ExternalService{ID: 12, Name: "pg-analytics", ServiceType: "postgres"}, Plugin: bad},
	}

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExternalService))
	assert.Contains(t, err.Error(), "pg-analytics")

	require.Len(t, h.notifier.sent, 1)
	n := h.notifier.sent[0]
	assert.Equal(t, "Backup Failed: External Service: pg-analytics", n.Title)
	assert.Equal(t, "-1", n.Metadata["schedule_id"])
	assert.Contains(t, n.Message, "External service backup failed: pg_dumpall exit code 1")

	primaries := h.store.backupsNamed("Backup ")
	require.Len(t, primaries, 1, "primary backup row stays in place")
	assert.Equal(t, model.BackupStateFailed, primaries[0].State)
	require.NotNil(t, primaries[0].ErrorMessage)
	assert.Contains(t, *primaries[0].ErrorMessage, "pg-analytics")
	_, stored := h.s3.Object(primaries[0].Location)
	assert.True(t, stored)

	envelopes := h.store.backupsNamed("External Service Backup: ")
	require.Len(t, envelopes, 2)
	assert.Equal(t, model.BackupStateCompleted, envelopes[0].State)
	assert.Equal(t, model.BackupStateFailed, envelopes[1].State)

	for _, k := range h.s3.Keys() {
		assert.False(t, strings.HasSuffix(k, "metadata.json"), "no metadata after failed fan-out")
		assert.False(t, strings.HasSuffix(k, "index.json"), "no index after failed fan-out")
	}
}

func TestCreateBackup_ExternalServiceFailureUsesScheduleID(t *testing.T) {
	h := newHarness(t)
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: &fakePlugin{fail: errors.New("boom")}},
	}
	scheduleID := int64(4)

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID, ScheduleID: &scheduleID})
	require.Error(t, err)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "4", h.notifier.sent[0].Metadata["schedule_id"])
}

func TestCreateBackup_ExternalServiceListFailureNotifies(t *testing.T) {
	h := newHarness(t)
	h.registry.err = errors.New("relation \"external_services\" does not exist")
	scheduleID := int64(9)

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID, ScheduleID: &scheduleID})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExternalService))

	require.Len(t, h.notifier.sent, 1)
	n := h.notifier.sent[0]
	assert.Equal(t, "Backup Failed: External Services", n.Title)
	assert.Equal(t, "9", n.Metadata["schedule_id"])
	assert.Contains(t, n.Message, "External service backup failed: relation")

	primaries := h.store.backupsNamed("Backup ")
	require.Len(t, primaries, 1)
	assert.Equal(t, model.BackupStateFailed, primaries[0].State)
}

func TestCreateBackup_NotifierErrorDoesNotMaskFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("webhook returned 500")
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: &fakePlugin{fail: errors.New("boom")}},
	}

	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExternalService))
}

// ---------- RestoreBackup ----------

func TestRestoreBackup_Success(t *testing.T) {
	h := newHarness(t)
	h.dumper.data = gzipBytes(t, []byte("PGDMP archive"))
	b := h.create(t)

	require.NoError(t, h.svc.RestoreBackup(context.Background(), b.BackupID))
	assert.Equal(t, "PGDMP archive", string(h.restorer.restored))
}

func TestRestoreBackup_InMemoryTargetRejectedBeforeDownload(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)
	h.restorer.preflightErr = &dump.Error{Op: "restore sqlite", Err: dump.ErrInMemory}
	getsBefore := h.s3.CallCount("GetObject")

	err := h.svc.RestoreBackup(context.Background(), b.BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnsupported))
	assert.ErrorIs(t, err, dump.ErrInMemory)
	assert.Equal(t, getsBefore, h.s3.CallCount("GetObject"), "no download attempted")
	assert.Equal(t, 0, h.restorer.calls)
}

func TestRestoreBackup_NotFound(t *testing.T) {
	h := newHarness(t)
	err := h.svc.RestoreBackup(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRestoreBackup_RejectsFailedBackupWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: &fakePlugin{fail: errors.New("boom")}},
	}
	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)

	envelopes := h.store.backupsNamed("External Service Backup: ")
	require.Len(t, envelopes, 1)
	require.Equal(t, model.BackupStateFailed, envelopes[0].State)
	require.Empty(t, envelopes[0].Location)

	err = h.svc.RestoreBackup(context.Background(), envelopes[0].BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
	assert.Contains(t, err.Error(), "only completed backups can be restored")
	assert.Equal(t, 0, h.restorer.calls)
}

func TestRestoreBackup_RejectsRunningBackup(t *testing.T) {
	h := newHarness(t)
	b := &model.Backup{
		BackupID: "running-1",
		Name:     "Backup running-1",
		State:    model.BackupStateRunning,
		SourceID: h.source.ID,
		Location: "platform/backups/2026/03/14/running-1/backup.postgresql.gz",
	}
	require.NoError(t, h.store.CreateBackup(context.Background(), b))

	err := h.svc.RestoreBackup(context.Background(), b.BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
	assert.Equal(t, 0, h.restorer.calls)
}

func TestRestoreBackup_PrimaryFailedByExternalService(t *testing.T) {
	h := newHarness(t)
	h.dumper.data = gzipBytes(t, []byte("PGDMP archive"))
	h.registry.entries = []externalsvc.Entry{
		{Service: model.ExternalService{ID: 11, Name: "pg-main", ServiceType: "postgres"}, Plugin: &fakePlugin{fail: errors.New("boom")}},
	}
	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID})
	require.Error(t, err)

	primaries := h.store.backupsNamed("Backup ")
	require.Len(t, primaries, 1)
	require.Equal(t, model.BackupStateFailed, primaries[0].State)

	require.NoError(t, h.svc.RestoreBackup(context.Background(), primaries[0].BackupID))
	assert.Equal(t, "PGDMP archive", string(h.restorer.restored))
}

func TestRestorable(t *testing.T) {
	sum := "abc123"
	empty := ""
	tests := []struct {
		name string
		b    model.Backup
		want bool
	}{
		{"completed", model.Backup{State: model.BackupStateCompleted}, true},
		{"running", model.Backup{State: model.BackupStateRunning, Location: "k", Checksum: &sum}, false},
		{"failed with artifact", model.Backup{State: model.BackupStateFailed, Location: "k", Checksum: &sum}, true},
		{"failed without location", model.Backup{State: model.BackupStateFailed, Checksum: &sum}, false},
		{"failed without checksum", model.Backup{State: model.BackupStateFailed, Location: "k"}, false},
		{"failed with empty checksum", model.Backup{State: model.BackupStateFailed, Location: "k", Checksum: &empty}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, restorable(&tt.b))
		})
	}
}

func TestRestoreBackup_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.dumper.data = gzipBytes(t, []byte("x"))
	b := h.create(t)
	h.s3.FailGet["backup.postgresql.gz"] = errors.New("slow down")

	err := h.svc.RestoreBackup(context.Background(), b.BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorage))
	assert.Equal(t, 0, h.restorer.calls)
}

// ---------- DeleteBackup ----------

func TestDeleteBackup_StorageThenRecord(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	require.NoError(t, h.svc.DeleteBackup(context.Background(), b.BackupID))

	_, ok := h.s3.Object(b.Location)
	assert.False(t, ok)
	_, err := h.store.GetBackupByExternalID(context.Background(), b.BackupID)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestDeleteBackup_StorageFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)
	h.s3.FailDelete = errors.New("access denied")

	err := h.svc.DeleteBackup(context.Background(), b.BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorage))

	_, err = h.store.GetBackupByExternalID(context.Background(), b.BackupID)
	assert.NoError(t, err, "record is left intact")
}

// ---------- Cleanup ----------

func seedBackup(t *testing.T, h *harness, backupID string, startedAt time.Time, expires *time.Time) {
	t.Helper()
	key := "platform/backups/old/" + backupID + "/backup.postgresql.gz"
	h.s3.Put(key, []byte("old"))
	require.NoError(t, h.store.CreateBackup(context.Background(), &model.Backup{
		BackupID:  backupID,
		Name:      "Backup " + backupID,
		State:     model.BackupStateCompleted,
		StartedAt: startedAt,
		SourceID:  h.source.ID,
		Location:  key,
		ExpiresAt: expires,
	}))
}

func TestCleanupOldBackups_Idempotent(t *testing.T) {
	h := newHarness(t)
	seedBackup(t, h, "old-1", testNow.AddDate(0, 0, -40), nil)
	seedBackup(t, h, "old-2", testNow.AddDate(0, 0, -31), nil)
	seedBackup(t, h, "recent", testNow.AddDate(0, 0, -2), nil)

	res, err := h.svc.CleanupOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Deleted: 2}, res)

	deletesAfterFirst := h.s3.CallCount("DeleteObject")
	res, err = h.svc.CleanupOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{}, res)
	assert.Equal(t, deletesAfterFirst, h.s3.CallCount("DeleteObject"))

	_, err = h.store.GetBackupByExternalID(context.Background(), "recent")
	assert.NoError(t, err)
}

func TestCleanupOldBackups_ContinuesOnFailure(t *testing.T) {
	h := newHarness(t)
	seedBackup(t, h, "old-1", testNow.AddDate(0, 0, -40), nil)
	seedBackup(t, h, "old-2", testNow.AddDate(0, 0, -41), nil)
	h.s3.FailDelete = errors.New("access denied")

	res, err := h.svc.CleanupOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Failed: 2}, res)
	assert.Equal(t, 2, h.s3.CallCount("DeleteObject"))
}

func TestCleanupExpiredBackups(t *testing.T) {
	h := newHarness(t)
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	seedBackup(t, h, "expired", testNow.AddDate(0, 0, -8), &past)
	seedBackup(t, h, "kept", testNow.AddDate(0, 0, -8), &future)
	seedBackup(t, h, "forever", testNow.AddDate(0, 0, -8), nil)

	res, err := h.svc.CleanupExpiredBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Deleted: 1}, res)
	_, err = h.store.GetBackupByExternalID(context.Background(), "expired")
	assert.True(t, IsKind(err, KindNotFound))
}

// ---------- Queries ----------

func TestListSourceIndex_Missing(t *testing.T) {
	h := newHarness(t)
	idx, err := h.svc.ListSourceIndex(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Empty(t, idx.Backups)
}

func TestListBackups(t *testing.T) {
	h := newHarness(t)
	scheduleID := int64(3)
	_, err := h.svc.CreateBackup(context.Background(), CreateBackupParams{SourceID: h.source.ID, ScheduleID: &scheduleID})
	require.NoError(t, err)
	manual, err := h.svc.RunBackupForSource(context.Background(), h.source.ID, "", 1)
	require.NoError(t, err)
	assert.Nil(t, manual.ScheduleID)

	all, err := h.svc.ListBackups(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scheduled, err := h.svc.ListBackupsForSchedule(context.Background(), scheduleID)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)

	got, err := h.svc.GetBackup(context.Background(), manual.BackupID)
	require.NoError(t, err)
	assert.Equal(t, manual.Location, got.Location)
}

// ---------- SQLite round trip ----------

func TestBackupRestore_SQLiteRoundTrip(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "app.db")
	seedProjects(t, path, "alpha", "beta", "gamma")

	dumper, restorer, err := dump.NewExecutors(dump.Options{DatabaseURL: "sqlite://" + path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.svc.dumper = dumper
	h.svc.restorer = restorer

	b := h.create(t)
	assert.True(t, strings.HasSuffix(b.Location, "/backup.sqlite.gz"))

	seedProjects(t, path, "changed")
	require.Equal(t, []string{"changed"}, readProjects(t, path))

	require.NoError(t, h.svc.RestoreBackup(context.Background(), b.BackupID))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, readProjects(t, path))
}

func TestRestoreBackup_BackendMismatch(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	_, restorer, err := dump.NewExecutors(dump.Options{DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "x.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.svc.restorer = restorer

	err = h.svc.RestoreBackup(context.Background(), b.BackupID)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnsupported))
}

func seedProjects(t *testing.T, path string, names ...string) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS projects (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM projects`)
	require.NoError(t, err)
	for _, n := range names {
		_, err = conn.ExecContext(ctx, `INSERT INTO projects (name) VALUES (?)`, n)
		require.NoError(t, err)
	}
}

func readProjects(t *testing.T, path string) []string {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `SELECT name FROM projects ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	return names
}
