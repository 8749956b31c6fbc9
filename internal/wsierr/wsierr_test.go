package wsierr

import (
	"errors"
	"testing"
)

func TestWrapPreservesErrorsAs(t *testing.T) {
	inner := &Data{Kind: Malformed, Detail: "bad directory"}
	wrapped := Wrap("reading subblock directory", inner)

	var de *Data
	if !errors.As(wrapped, &de) {
		t.Fatalf("errors.As failed to find *Data through Wrap: %v", wrapped)
	}
	if de.Kind != Malformed {
		t.Errorf("Kind = %v, want Malformed", de.Kind)
	}
	if wrapped.Error() != "reading subblock directory: data: malformed: bad directory" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap("context", nil); err != nil {
		t.Errorf("Wrap(ctx, nil) = %v, want nil", err)
	}
}

func TestWrapChaining(t *testing.T) {
	inner := &Io{Kind: ShortRead, Offset: 128, Length: 32, Err: errors.New("EOF")}
	once := Wrap("reading segment header", inner)
	twice := Wrap("parsing CZI file", once)

	var ie *Io
	if !errors.As(twice, &ie) {
		t.Fatalf("errors.As failed through two levels of Wrap: %v", twice)
	}
	if ie.Offset != 128 {
		t.Errorf("Offset = %d, want 128", ie.Offset)
	}
}

func TestDataErrorWithAndWithoutDetail(t *testing.T) {
	withDetail := &Data{Kind: UnsupportedFormat, Detail: "LZW"}
	if got, want := withDetail.Error(), "data: unsupported format: LZW"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	noDetail := &Data{Kind: TrailingBytes}
	if got, want := noDetail.Error(), "data: trailing bytes"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInternalAndIoAreDistinctFromData(t *testing.T) {
	var err error = &Internal{Kind: SceneMissing}
	var de *Data
	if errors.As(err, &de) {
		t.Error("errors.As should not match *Data against *Internal")
	}
	var ie *Io
	if errors.As(err, &ie) {
		t.Error("errors.As should not match *Io against *Internal")
	}
}
