package errs

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestErrnoSlot(t *testing.T) {
	ClearErrno()
	if got := GetErrno(); got != OK {
		t.Fatalf("GetErrno() after ClearErrno = %v, want OK", got)
	}

	SetErrno(EINVAL)
	if got := GetErrno(); got != EINVAL {
		t.Fatalf("GetErrno() = %v, want EINVAL", got)
	}

	ClearErrno()
	if got := GetErrno(); got != OK {
		t.Fatalf("GetErrno() after second ClearErrno = %v, want OK", got)
	}
}

func TestStrerrorKnownAndFallback(t *testing.T) {
	cases := []Kind{OK, EINVAL, ENOMEM, EIO, EFSBadSuper, EFSBadIno, EELFMagic}
	for _, k := range cases {
		if msg := Strerror(k); msg == "" {
			t.Errorf("Strerror(%v) returned empty string", k)
		}
	}

	msg := Strerror(Kind(9999))
	if msg == "" {
		t.Fatal("Strerror(unknown) returned empty string")
	}
}

func TestPerrorDoesNotMutateErrno(t *testing.T) {
	SetErrno(ENOENT)
	var buf bytes.Buffer
	Perror(&buf, "open")

	want := "open: " + Strerror(ENOENT) + "\n"
	if got := buf.String(); got != want {
		t.Fatalf("Perror output = %q, want %q", got, want)
	}
	if got := GetErrno(); got != ENOENT {
		t.Fatalf("errno mutated by Perror: got %v, want ENOENT", got)
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New("ext2.ReadInode", EFSBadIno, nil)
	wrapped := fmt.Errorf("context: %w", base)
	if KindOf(wrapped) != EFSBadIno {
		t.Fatalf("KindOf(wrapped *Error) = %v, want EFSBadIno", KindOf(wrapped))
	}
	plain := errors.New("context: " + base.Error())
	if KindOf(plain) != EIO {
		t.Fatalf("KindOf(plain error) = %v, want EIO fallback", KindOf(plain))
	}
	if KindOf(base) != EFSBadIno {
		t.Fatalf("KindOf(*Error) = %v, want EFSBadIno", KindOf(base))
	}
	if KindOf(nil) != OK {
		t.Fatalf("KindOf(nil) = %v, want OK", KindOf(nil))
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("device read timeout")
	e := New("virtio.Read", EVirtioTimeout, cause)
	if !errors.Is(e, cause) {
		t.Fatal("errors.Is did not see through *Error to its cause")
	}
}
