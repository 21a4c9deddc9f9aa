package media

import "errors"

var (
	// ErrEmptySource indicates a media reference with no content.
	ErrEmptySource = errors.New("media source is empty")
	// ErrUnsupportedSource indicates a reference scheme that cannot be read.
	ErrUnsupportedSource = errors.New("unsupported media source")
	// ErrNoPreset indicates the transcoder has no recipe for the requested codec.
	ErrNoPreset = errors.New("no transcode preset for codec")
)
