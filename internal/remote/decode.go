package remote

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"github.com/spacefleet/collector/internal/models"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Decoder converts raw remote output into UTF-8 text.
// Hosts with legacy locales print file names in their native encoding.
type Decoder interface {
	Decode(b []byte) string
}

// NewDecoder returns the decoder for a host encoding name.
func NewDecoder(name string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", models.EncodingUTF8, "utf8":
		return utf8Decoder{}, nil
	case models.EncodingGBK:
		return charsetDecoder{enc: simplifiedchinese.GBK}, nil
	case models.EncodingGB18030, "gb2312":
		return charsetDecoder{enc: simplifiedchinese.GB18030}, nil
	case models.EncodingAuto:
		return autoDecoder{detector: chardet.NewTextDetector()}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", name)
	}
}

type utf8Decoder struct{}

func (utf8Decoder) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

type charsetDecoder struct {
	enc encoding.Encoding
}

func (d charsetDecoder) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}

type autoDecoder struct {
	detector *chardet.Detector
}

func (d autoDecoder) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	result, err := d.detector.DetectBest(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}

	switch strings.ToLower(result.Charset) {
	case "gb-18030", "gbk", "gb2312":
		return charsetDecoder{enc: simplifiedchinese.GB18030}.Decode(b)
	case "iso-8859-1", "windows-1252":
		return charsetDecoder{enc: charmap.Windows1252}.Decode(b)
	default:
		return strings.ToValidUTF8(string(b), "�")
	}
}
