package pii

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

var (
	_ pii.FieldCipher     = (*mockCipher)(nil)
	_ pii.AuditRepository = (*mockAuditRepo)(nil)
)

type mockCipher struct{ mock.Mock }

func (m *mockCipher) EncryptField(plaintext string, meta pii.Metadata, field string) (string, error) {
	args := m.Called(plaintext, meta, field)
	return args.String(0), args.Error(1)
}

func (m *mockCipher) DecryptField(ciphertext string, meta pii.Metadata, field string) (string, error) {
	args := m.Called(ciphertext, meta, field)
	return args.String(0), args.Error(1)
}

type mockAuditRepo struct{ mock.Mock }

func (m *mockAuditRepo) Save(ctx context.Context, rec pii.AuditRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockAuditRepo) FindByScan(ctx context.Context, scanID uuid.UUID) ([]pii.AuditRecord, error) {
	args := m.Called(ctx, scanID)
	if recs := args.Get(0); recs != nil {
		return recs.([]pii.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAuditRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// reversibleCipher is a deterministic fake used for round-trip assertions.
type reversibleCipher struct{}

func (reversibleCipher) EncryptField(plaintext string, meta pii.Metadata, field string) (string, error) {
	return "sealed(" + plaintext + ")", nil
}

func (reversibleCipher) DecryptField(ciphertext string, meta pii.Metadata, field string) (string, error) {
	inner, ok := strings.CutPrefix(ciphertext, "sealed(")
	if !ok {
		return "", errors.New("not sealed")
	}
	return strings.TrimSuffix(inner, ")"), nil
}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func testEntity(t *testing.T) pii.Entity {
	t.Helper()
	return pii.NewEntityFromSpan(
		pii.Span{Type: "EMAIL", Label: "email", Start: 8, End: 25, Confidence: 0.9},
		"contact alice@example.com for onboarding",
	)
}

func TestService_EncryptEntities_EmptyListIsNoOp(t *testing.T) {
	t.Parallel()

	cipher := new(mockCipher)
	audit := new(mockAuditRepo)
	svc := NewService(cipher, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	for _, entities := range [][]pii.Entity{nil, {}} {
		out, err := svc.EncryptEntities(context.Background(), entities)
		require.NoError(t, err)
		assert.Len(t, out, len(entities))
	}

	cipher.AssertNotCalled(t, "EncryptField", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_DecryptEntities_EmptyListIsNoOp(t *testing.T) {
	t.Parallel()

	cipher := new(mockCipher)
	audit := new(mockAuditRepo)
	svc := NewService(cipher, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	out, err := svc.DecryptEntities(context.Background(), nil, Access{})
	require.NoError(t, err)
	assert.Nil(t, out)

	cipher.AssertNotCalled(t, "DecryptField", mock.Anything, mock.Anything, mock.Anything)
	audit.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestService_EncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	audit := new(mockAuditRepo)
	audit.On("Save", mock.Anything, mock.Anything).Return(nil)
	svc := NewService(reversibleCipher{}, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	original := testEntity(t)
	ctx := context.Background()

	encrypted, err := svc.EncryptEntities(ctx, []pii.Entity{original})
	require.NoError(t, err)
	require.Len(t, encrypted, 1)
	assert.True(t, encrypted[0].Encrypted())
	assert.NotEqual(t, original.SensitiveValue(), encrypted[0].SensitiveValue())
	assert.Equal(t, original.MaskedContext(), encrypted[0].MaskedContext(), "masked context needs no protection")

	access := Access{AccessedBy: "auditor", Purpose: "report review", ScanID: uuid.New(), ItemID: "page-1"}
	decrypted, err := svc.DecryptEntities(ctx, encrypted, access)
	require.NoError(t, err)
	require.Len(t, decrypted, 1)
	assert.Equal(t, original, decrypted[0])
}

func TestService_DecryptEntities_MixedListAndAudit(t *testing.T) {
	t.Parallel()

	audit := new(mockAuditRepo)
	audit.On("Save", mock.Anything, mock.MatchedBy(func(rec pii.AuditRecord) bool {
		return rec.AccessedBy() == "auditor" && rec.Purpose() == "incident response"
	})).Return(nil)

	svc := NewService(reversibleCipher{}, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))
	ctx := context.Background()

	plain := testEntity(t)
	encrypted, err := svc.EncryptEntities(ctx, []pii.Entity{plain})
	require.NoError(t, err)

	mixed := []pii.Entity{plain, encrypted[0]}
	out, err := svc.DecryptEntities(ctx, mixed, Access{
		AccessedBy: "auditor", Purpose: "incident response", ScanID: uuid.New(), ItemID: "page-1",
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, plain, out[0], "plaintext entity passes through untouched")
	assert.Equal(t, plain, out[1])

	// Only the previously-encrypted entity produced an audit record.
	audit.AssertNumberOfCalls(t, "Save", 1)
}

func TestService_DecryptEntities_FailurePropagates(t *testing.T) {
	t.Parallel()

	cipher := new(mockCipher)
	cipher.On("DecryptField", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("integrity check failed"))

	audit := new(mockAuditRepo)
	svc := NewService(cipher, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	encrypted := testEntity(t).WithEncryptedValues("bogus", "bogus")
	_, err := svc.DecryptEntities(context.Background(), []pii.Entity{encrypted}, Access{AccessedBy: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypting entity value")

	audit.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestService_EncryptEntities_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	audit := new(mockAuditRepo)
	svc := NewService(reversibleCipher{}, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	original := testEntity(t)
	input := []pii.Entity{original}

	_, err := svc.EncryptEntities(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, original, input[0])
	assert.False(t, input[0].Encrypted())
}

func TestService_EncryptEntities_SkipsAlreadyEncrypted(t *testing.T) {
	t.Parallel()

	cipher := new(mockCipher)
	audit := new(mockAuditRepo)
	svc := NewService(cipher, audit, time.Hour, testLogger(), noop.NewTracerProvider().Tracer(""))

	sealed := testEntity(t).WithEncryptedValues("already", "sealed")
	out, err := svc.EncryptEntities(context.Background(), []pii.Entity{sealed})
	require.NoError(t, err)
	assert.Equal(t, sealed, out[0])

	cipher.AssertNotCalled(t, "EncryptField", mock.Anything, mock.Anything, mock.Anything)
}
