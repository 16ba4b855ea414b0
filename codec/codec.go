// Package codec packs order data into fixed-length numeric tag payloads and
// unpacks scanned payloads back into their fields.
//
// A payload is barcode(12) + order number(4) + sequence, right-padded with
// zeros to the target length. Decoding recovers the barcode and the order
// number only; the sequence and padding cannot be told apart once written.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Defaults used by the package-level helpers.
const (
	DefaultBarcodeWidth = 12
	DefaultOrderWidth   = 4
	DefaultTargetLength = 24
	MaxPayloadLength    = 50
)

// DefaultHeaders are tag header preambles stripped before decoding when the
// rest of the token is plain decimal.
var DefaultHeaders = []string{"E200"}

// Config holds codec field widths.
type Config struct {
	BarcodeWidth int      `yaml:"barcode_width"`
	OrderWidth   int      `yaml:"order_width"`
	TargetLength int      `yaml:"target_length"`
	Headers      []string `yaml:"headers"`
}

// DecodedTag is the fixed-width view of a scanned payload.
type DecodedTag struct {
	Raw         string // token as extracted from the frame
	Decimal     string // decimal form the fields were sliced from
	Barcode     string
	OrderNumber string
}

// FormatError reports a token that cannot be decoded.
type FormatError struct {
	Token  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format: %s (%q)", e.Reason, e.Token)
}

// ValidationError reports malformed codec input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Codec encodes and decodes payloads with configurable widths.
type Codec struct {
	barcodeWidth int
	orderWidth   int
	targetLength int
	headers      []string
}

// New creates a Codec, filling zero values with defaults.
func New(cfg Config) *Codec {
	c := &Codec{
		barcodeWidth: cfg.BarcodeWidth,
		orderWidth:   cfg.OrderWidth,
		targetLength: cfg.TargetLength,
		headers:      cfg.Headers,
	}
	if c.barcodeWidth <= 0 {
		c.barcodeWidth = DefaultBarcodeWidth
	}
	if c.orderWidth <= 0 {
		c.orderWidth = DefaultOrderWidth
	}
	if c.targetLength <= 0 {
		c.targetLength = DefaultTargetLength
	}
	if cfg.Headers == nil {
		c.headers = DefaultHeaders
	}
	return c
}

var defaultCodec = New(Config{})

// Encode packs a payload with the default widths.
func Encode(barcode, orderNumber string, sequence, targetLength int) (string, error) {
	return defaultCodec.EncodeLength(barcode, orderNumber, sequence, targetLength)
}

// Decode unpacks a payload with the default widths.
func Decode(token string) (DecodedTag, error) {
	return defaultCodec.Decode(token)
}

// Encode packs a payload to the configured target length.
func (c *Codec) Encode(barcode, orderNumber string, sequence int) (string, error) {
	return c.EncodeLength(barcode, orderNumber, sequence, c.targetLength)
}

// EncodeLength packs a payload to targetLength. A base longer than
// targetLength is returned as is.
func (c *Codec) EncodeLength(barcode, orderNumber string, sequence, targetLength int) (string, error) {
	if sequence < 0 {
		return "", &ValidationError{Field: "sequence", Reason: "must not be negative"}
	}
	if targetLength <= 0 {
		targetLength = c.targetLength
	}

	barcode = strings.TrimSpace(barcode)
	if len(barcode) > c.barcodeWidth {
		barcode = barcode[:c.barcodeWidth]
	} else if len(barcode) < c.barcodeWidth {
		barcode = strings.Repeat("0", c.barcodeWidth-len(barcode)) + barcode
	}

	base := barcode + digitsOnly(orderNumber) + strconv.Itoa(sequence)
	if len(base) < targetLength {
		base += strings.Repeat("0", targetLength-len(base))
	}

	if err := Validate(base); err != nil {
		return "", err
	}
	return base, nil
}

// Decode unpacks token into its fixed-width fields.
func (c *Codec) Decode(token string) (DecodedTag, error) {
	token = strings.TrimSpace(token)
	decimal, err := c.decimalForm(token)
	if err != nil {
		return DecodedTag{}, err
	}
	if len(decimal) < c.barcodeWidth {
		return DecodedTag{}, &FormatError{Token: token, Reason: "token too short"}
	}

	tag := DecodedTag{
		Raw:         token,
		Decimal:     decimal,
		Barcode:     decimal[:c.barcodeWidth],
		OrderNumber: strings.Repeat("0", c.orderWidth),
	}
	if end := c.barcodeWidth + c.orderWidth; len(decimal) >= end {
		tag.OrderNumber = decimal[c.barcodeWidth:end]
	}
	return tag, nil
}

func (c *Codec) decimalForm(token string) (string, error) {
	if token == "" {
		return "", &FormatError{Token: token, Reason: "empty token"}
	}

	upper := strings.ToUpper(token)
	for _, h := range c.headers {
		h = strings.ToUpper(h)
		if h == "" || !strings.HasPrefix(upper, h) {
			continue
		}
		if rest := token[len(h):]; rest != "" && isDigits(rest) {
			return rest, nil
		}
	}

	if isDigits(token) {
		return token, nil
	}

	n, ok := new(big.Int).SetString(token, 16)
	if !ok {
		return "", &FormatError{Token: token, Reason: "not a hex or decimal token"}
	}
	return n.String(), nil
}

// Validate checks a payload before it is handed to the print pipeline.
func Validate(payload string) error {
	switch {
	case payload == "":
		return &ValidationError{Field: "payload", Reason: "empty"}
	case len(payload) > MaxPayloadLength:
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("length %d exceeds %d", len(payload), MaxPayloadLength)}
	case !isDigits(payload):
		return &ValidationError{Field: "payload", Reason: "must be numeric"}
	}
	return nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
