package cryptoutils

import (
	"encoding/binary"
	"errors"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"golang.org/x/crypto/cryptobyte"
)

const (
	maxQuoteSize = 64 * 1024

	sgxQuoteHeaderSize = 48
	sgxReportBodySize  = 384
	tdxTeeType         = 0x81
)

var ErrMalformedQuote = errors.New("malformed quote")

// Quote holds the fields of a hardware quote the trust policy acts on.
type Quote struct {
	Type       AttestationType
	MrEnclave  []byte
	MrSigner   []byte
	ISVProdID  uint16
	ISVSVN     uint16
	ReportData [64]byte
}

// ParseQuote selects the layout from the quote's own version header:
// 2 is an SGX EPID quote, 3 an SGX ECDSA quote and 4 a TDX quote.
func ParseQuote(raw []byte) (*Quote, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedQuote, len(raw))
	}

	switch version := binary.LittleEndian.Uint16(raw[0:2]); version {
	case SGXEPIDAttestation.QuoteVersion:
		return parseSGXQuote(SGXEPIDAttestation, raw)
	case SGXDCAPAttestation.QuoteVersion:
		return parseSGXQuote(SGXDCAPAttestation, raw)
	case TDXDCAPAttestation.QuoteVersion:
		if teeType := binary.LittleEndian.Uint32(raw[4:8]); teeType != tdxTeeType {
			return nil, fmt.Errorf("%w: v4 quote with tee type %#x", ErrMalformedQuote, teeType)
		}
		return parseTDXQuote(raw)
	default:
		return nil, fmt.Errorf("%w: unsupported quote version %d", ErrMalformedQuote, version)
	}
}

func parseSGXQuote(t AttestationType, raw []byte) (*Quote, error) {
	s := cryptobyte.String(raw)

	var body []byte
	if !s.Skip(sgxQuoteHeaderSize) || !s.ReadBytes(&body, sgxReportBodySize) {
		return nil, fmt.Errorf("%w: truncated sgx quote", ErrMalformedQuote)
	}

	var mrEnclave, mrSigner, isvProdID, isvSVN, reportData []byte
	b := cryptobyte.String(body)
	if !b.Skip(64) ||
		!b.ReadBytes(&mrEnclave, 32) ||
		!b.Skip(32) ||
		!b.ReadBytes(&mrSigner, 32) ||
		!b.Skip(32+64) ||
		!b.ReadBytes(&isvProdID, 2) ||
		!b.ReadBytes(&isvSVN, 2) ||
		!b.Skip(2+42+16) ||
		!b.ReadBytes(&reportData, 64) {
		return nil, fmt.Errorf("%w: truncated sgx report body", ErrMalformedQuote)
	}

	q := &Quote{
		Type:      t,
		MrEnclave: mrEnclave,
		MrSigner:  mrSigner,
		ISVProdID: binary.LittleEndian.Uint16(isvProdID),
		ISVSVN:    binary.LittleEndian.Uint16(isvSVN),
	}
	copy(q.ReportData[:], reportData)
	return q, nil
}

func parseTDXQuote(raw []byte) (*Quote, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedQuote, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported tdx quote type %T", ErrMalformedQuote, protoQuote)
	}

	body := v4Quote.GetTdQuoteBody()
	if body == nil || len(body.GetReportData()) != 64 {
		return nil, fmt.Errorf("%w: tdx quote without report body", ErrMalformedQuote)
	}

	q := &Quote{
		Type:      TDXDCAPAttestation,
		MrEnclave: body.GetMrTd(),
		MrSigner:  body.GetMrOwner(),
	}
	copy(q.ReportData[:], body.GetReportData())
	return q, nil
}

// MarshalSGXQuote lays out an unsigned SGX quote. Quoting enclaves sign
// their output; this form exists for simulation and tests.
func MarshalSGXQuote(t AttestationType, mrEnclave, mrSigner [32]byte, reportData [64]byte) ([]byte, error) {
	if t != SGXEPIDAttestation && t != SGXDCAPAttestation {
		return nil, fmt.Errorf("%w: %s is not an sgx quote", errors.ErrUnsupported, t)
	}

	header := make([]byte, sgxQuoteHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], t.QuoteVersion)

	var b cryptobyte.Builder
	b.AddBytes(header)
	b.AddBytes(make([]byte, 64))
	b.AddBytes(mrEnclave[:])
	b.AddBytes(make([]byte, 32))
	b.AddBytes(mrSigner[:])
	b.AddBytes(make([]byte, 32+64+2+2+2+42+16))
	b.AddBytes(reportData[:])
	// signature length
	b.AddBytes(make([]byte, 4))
	return b.Bytes()
}
