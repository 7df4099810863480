package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				m := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	enclaveInfo := []byte("[frontend_service]\nmr_enclave = \"aa\"\nmr_signer = \"bb\"\n")
	id := interfaces.ComputeID(enclaveInfo)
	fetchErr := errors.New("fetch failed")

	tests := []struct {
		name       string
		setupMocks func() []*MockStorageBackend
		expected   []byte
		wantErr    error
	}{
		{
			name: "first backend serves the content",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(enclaveInfo, nil)
				m2 := &MockStorageBackend{name: "b"}
				return []*MockStorageBackend{m1, m2}
			},
			expected: enclaveInfo,
		},
		{
			name: "falls back to the next backend",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(nil, interfaces.ErrContentNotFound)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(enclaveInfo, nil)
				return []*MockStorageBackend{m1, m2}
			},
			expected: enclaveInfo,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(false)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(enclaveInfo, nil)
				return []*MockStorageBackend{m1, m2}
			},
			expected: enclaveInfo,
		},
		{
			name: "all backends fail",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(nil, fetchErr)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, id, interfaces.EnclaveInfoType).Return(nil, interfaces.ErrContentNotFound)
				return []*MockStorageBackend{m1, m2}
			},
			wantErr: fetchErr,
		},
		{
			name: "nothing available",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(false)
				return []*MockStorageBackend{m1}
			},
			wantErr: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mocks := tt.setupMocks()
			backends := make([]interfaces.StorageBackend, len(mocks))
			for i, m := range mocks {
				backends[i] = m
			}

			data, err := NewMultiStorageBackend(backends, discardLogger()).Fetch(context.Background(), id, interfaces.EnclaveInfoType)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, data)

			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	sig := []byte("auditor signature")
	id := interfaces.ComputeID(sig)
	storeErr := errors.New("store failed")

	tests := []struct {
		name       string
		setupMocks func() []*MockStorageBackend
		wantErr    bool
	}{
		{
			name: "all backends store",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(id, nil)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(id, nil)
				return []*MockStorageBackend{m1, m2}
			},
		},
		{
			name: "one backend failing is tolerated",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(interfaces.ContentID{}, storeErr)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(id, nil)
				return []*MockStorageBackend{m1, m2}
			},
		},
		{
			name: "a backend returning a different id does not count",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(interfaces.ContentID{1}, nil)
				return []*MockStorageBackend{m1}
			},
			wantErr: true,
		},
		{
			name: "all backends fail",
			setupMocks: func() []*MockStorageBackend {
				m1 := &MockStorageBackend{name: "a"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, sig, interfaces.AuditorSignatureType).Return(interfaces.ContentID{}, storeErr)
				m2 := &MockStorageBackend{name: "b"}
				m2.On("Available", mock.Anything).Return(false)
				return []*MockStorageBackend{m1, m2}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mocks := tt.setupMocks()
			backends := make([]interfaces.StorageBackend, len(mocks))
			for i, m := range mocks {
				backends[i] = m
			}

			got, err := NewMultiStorageBackend(backends, discardLogger()).Store(context.Background(), sig, interfaces.AuditorSignatureType)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, id, got)
			}

			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_LocationURI(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{
		&MockStorageBackend{name: "a"},
		&MockStorageBackend{name: "b"},
	}, nil)
	assert.Equal(t, "multi:[mock://a,mock://b]", multi.LocationURI())
}
