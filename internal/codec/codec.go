// Package codec converts frames between their transport form, a data URI carrying a
// base64 image, and an in-memory image.Image.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// EncodedFrame is a data URI of the form data:<mime-type>;base64,<payload>.
type EncodedFrame string

// Format names an image container.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

const (
	// dataURIToken separates the data URI header from the base64 body.
	dataURIToken = "base64,"

	// DefaultJPEGQuality matches the quality browsers and PIL use when none is given.
	DefaultJPEGQuality = 75
)

// ParseFormat normalizes a user supplied format name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "bmp":
		return FormatBMP, nil
	case "tiff", "tif":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// MIMEType returns the media type written into the data URI header.
func (f Format) MIMEType() string {
	return "image/" + string(f)
}

// Options tunes a Codec.
type Options struct {
	// JPEGQuality 1-100; 0 selects DefaultJPEGQuality.
	JPEGQuality int `yaml:"jpeg_quality" json:"jpeg_quality" toml:"jpeg_quality"`

	// MaxPayloadBytes rejects larger data URIs before any decoding; 0 disables the check.
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"max_payload_bytes" toml:"max_payload_bytes"`
}

// DefaultOptions returns the options used by the package level helpers.
func DefaultOptions() Options {
	return Options{
		JPEGQuality:     DefaultJPEGQuality,
		MaxPayloadBytes: 0,
	}
}

// DecodedFrame is the result of decoding one EncodedFrame.
type DecodedFrame struct {
	Image image.Image

	// MIMEType as declared by the data URI header, empty when the header is absent.
	MIMEType string

	// Format as detected from the container bytes.
	Format string
}

// Codec decodes and encodes frames. It holds no per-frame state and is safe for
// concurrent use.
type Codec struct {
	opts Options
}

// New creates a Codec.
func New(opts Options) *Codec {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.JPEGQuality > 100 {
		opts.JPEGQuality = 100
	}
	if opts.MaxPayloadBytes < 0 {
		opts.MaxPayloadBytes = 0
	}
	return &Codec{opts: opts}
}

// Options returns the effective options.
func (c *Codec) Options() Options {
	return c.opts
}

// Decode turns a data URI into an image.
func (c *Codec) Decode(frame EncodedFrame) (image.Image, error) {
	decoded, err := c.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return decoded.Image, nil
}

// DecodeFrame is Decode plus the declared and detected formats.
func (c *Codec) DecodeFrame(frame EncodedFrame) (*DecodedFrame, error) {
	payload := string(frame)
	if c.opts.MaxPayloadBytes > 0 && len(payload) > c.opts.MaxPayloadBytes {
		return nil, decodeErr(ErrPayloadTooLarge,
			fmt.Errorf("%d bytes exceeds limit of %d", len(payload), c.opts.MaxPayloadBytes))
	}

	idx := strings.Index(payload, dataURIToken)
	if idx < 0 {
		return nil, decodeErr(ErrMissingToken, nil)
	}

	raw, err := base64.StdEncoding.DecodeString(stripLineBreaks(payload[idx+len(dataURIToken):]))
	if err != nil {
		return nil, decodeErr(ErrInvalidBase64, err)
	}

	img, name, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, decodeErr(ErrUnsupportedImage, err)
	}

	return &DecodedFrame{
		Image:    img,
		MIMEType: declaredMIMEType(payload[:idx]),
		Format:   name,
	}, nil
}

// Encode serializes img into format and wraps it as a data URI.
func (c *Codec) Encode(img image.Image, format Format) (EncodedFrame, error) {
	if img == nil || img.Bounds().Empty() {
		return "", encodeErr(format, ErrEmptyImage, nil)
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.opts.JPEGQuality})
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
	case FormatBMP:
		err = bmp.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, nil)
	default:
		return "", encodeErr(format, ErrUnsupportedFormat, nil)
	}
	if err != nil {
		return "", encodeErr(format, ErrUnsupportedImage, err)
	}

	var sb strings.Builder
	sb.Grow(len("data:;") + len(format.MIMEType()) + len(dataURIToken) + base64.StdEncoding.EncodedLen(buf.Len()))
	sb.WriteString("data:")
	sb.WriteString(format.MIMEType())
	sb.WriteString(";")
	sb.WriteString(dataURIToken)
	sb.WriteString(base64.StdEncoding.EncodeToString(buf.Bytes()))
	return EncodedFrame(sb.String()), nil
}

var defaultCodec = New(DefaultOptions())

// Decode decodes with default options.
func Decode(frame EncodedFrame) (image.Image, error) {
	return defaultCodec.Decode(frame)
}

// DecodeFrame decodes with default options and reports the formats.
func DecodeFrame(frame EncodedFrame) (*DecodedFrame, error) {
	return defaultCodec.DecodeFrame(frame)
}

// Encode encodes with default options.
func Encode(img image.Image, format Format) (EncodedFrame, error) {
	return defaultCodec.Encode(img, format)
}

// Dimensions returns width and height of img, 0x0 for nil.
func Dimensions(img image.Image) (int, int) {
	if img == nil {
		return 0, 0
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

// stripLineBreaks drops CR/LF that MIME style encoders insert every 76 columns.
func stripLineBreaks(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// declaredMIMEType extracts <mime> from a "data:<mime>;" header.
func declaredMIMEType(header string) string {
	header = strings.TrimPrefix(strings.TrimSpace(header), "data:")
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return header
}
