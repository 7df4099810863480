package cryptoutils

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSGXQuote(t *testing.T) {
	var mrEnclave, mrSigner [32]byte
	copy(mrEnclave[:], bytes.Repeat([]byte{0xaa}, 32))
	copy(mrSigner[:], bytes.Repeat([]byte{0xbb}, 32))
	var reportData [64]byte
	copy(reportData[:], bytes.Repeat([]byte{0xcc}, 32))

	for _, at := range []AttestationType{SGXEPIDAttestation, SGXDCAPAttestation} {
		t.Run(at.StringID, func(t *testing.T) {
			raw, err := MarshalSGXQuote(at, mrEnclave, mrSigner, reportData)
			require.NoError(t, err)
			require.Len(t, raw, sgxQuoteHeaderSize+sgxReportBodySize+4)

			q, err := ParseQuote(raw)
			require.NoError(t, err)
			assert.Equal(t, at, q.Type)
			assert.Equal(t, mrEnclave[:], q.MrEnclave)
			assert.Equal(t, mrSigner[:], q.MrSigner)
			assert.Equal(t, reportData, q.ReportData)
		})
	}
}

func TestParseQuoteRejectsGarbage(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short", []byte{2, 0, 0}},
		{"unknown version", append([]byte{9, 0}, make([]byte, 500)...)},
		{"truncated sgx body", append([]byte{2, 0}, make([]byte, 100)...)},
		{"v4 with sgx tee type", append([]byte{4, 0, 2, 0, 0, 0, 0, 0}, make([]byte, 600)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseQuote(tc.raw)
			require.ErrorIs(t, err, ErrMalformedQuote)
		})
	}
}

func TestMarshalSGXQuoteRejectsTDX(t *testing.T) {
	_, err := MarshalSGXQuote(TDXDCAPAttestation, [32]byte{}, [32]byte{}, [64]byte{})
	require.Error(t, err)
}

func TestAttestationTypeFromString(t *testing.T) {
	at, err := AttestationTypeFromString("sgx_epid")
	require.NoError(t, err)
	assert.Equal(t, SGXEPIDAttestation, at)

	at, err = AttestationTypeFromString("tdx_dcap")
	require.NoError(t, err)
	assert.Equal(t, uint16(4), at.QuoteVersion)

	_, err = AttestationTypeFromString("sev_snp")
	require.Error(t, err)
}

func TestRemoteQuoteProvider(t *testing.T) {
	var reportData [64]byte
	reportData[0] = 0x42

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, hex.EncodeToString(reportData[:])) {
			http.Error(w, "bad report data", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("spid") != "0123" {
			http.Error(w, "bad spid", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("quote"))
	}))
	defer srv.Close()

	p := &RemoteQuoteProvider{Address: srv.URL, Type: SGXEPIDAttestation, SPID: "0123"}
	quote, err := p.Quote(reportData)
	require.NoError(t, err)
	assert.Equal(t, []byte("quote"), quote)
	assert.Equal(t, SGXEPIDAttestation, p.AttestationType())

	p.SPID = "ffff"
	_, err = p.Quote(reportData)
	require.ErrorContains(t, err, "status 400")
}
