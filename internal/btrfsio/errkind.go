// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsio collects the error taxonomy shared by every
// write-capable consumer (mkfs, convert, receive, image-restore):
// sentinel kinds that callers match with btrfsio.Is, wrapping the
// lower-level errors that internal/diskio, internal/btrfstree and
// internal/btrfsvol already return.
package btrfsio

import "errors"

// Kind is one entry of the error taxonomy. It is not itself
// returned as an error; it's wrapped by a *KindError so that both
// btrfsio.Is(err, KindCorruptRead) and a human-readable message work.
type Kind int

const (
	KindIoError Kind = iota
	KindCorruptRead
	KindNotFound
	KindExists
	KindInvariant
	KindNoSpace
	KindFeatureUnsupported
	KindBusy
	KindBadStream
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "IoError"
	case KindCorruptRead:
		return "CorruptRead"
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindInvariant:
		return "Invariant"
	case KindNoSpace:
		return "NoSpace"
	case KindFeatureUnsupported:
		return "FeatureUnsupported"
	case KindBusy:
		return "Busy"
	case KindBadStream:
		return "BadStream"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

func Is(err error, kind Kind) bool {
	var ke *KindError
	if !errors.As(err, &ke) {
		return false
	}
	return ke.Kind == kind
}
