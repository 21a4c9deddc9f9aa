package media

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Class is the coarse media category that decides upload and transcode handling.
type Class string

const (
	ClassImage Class = "image"
	ClassAudio Class = "audio"
	ClassVideo Class = "video"
	ClassFile  Class = "file"
)

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	switch c {
	case ClassImage, ClassAudio, ClassVideo, ClassFile:
		return true
	}
	return false
}

// Audio codecs a platform may require for voice messages.
const (
	CodecOpus = "opus"
	CodecAMR  = "amr"
	CodecSilk = "silk"
)

// Asset is the in-memory payload of one delivery attempt.
type Asset struct {
	SourceRef string
	Class     Class
	Data      []byte
	SizeBytes int64
	FileName  string
	Mime      string
}

// Handle references media a platform has accepted, ready to be sent.
type Handle struct {
	Class    Class
	Key      string
	FileName string
	// Data carries the payload for platforms that embed small media in the
	// send call instead of uploading it first.
	Data []byte
	// Extra holds platform-specific fields returned by the upload, such as
	// a duration or a secondary id.
	Extra map[string]string
}

// Receipt identifies a sent message.
type Receipt struct {
	ID        string
	Timestamp time.Time
}

// Capabilities describes what a platform can carry.
type Capabilities struct {
	// File reports whether generic file attachments are supported.
	File bool
	// URLClasses lists the classes the platform can ingest straight from a
	// public URL, skipping the local fetch.
	URLClasses []Class
	// AudioCodec is the codec voice messages must use, empty when any audio
	// file is accepted.
	AudioCodec string
}

// AcceptsURL reports whether class can be uploaded by URL.
func (c Capabilities) AcceptsURL(class Class) bool {
	return slices.Contains(c.URLClasses, class)
}

// Platform is the upload and send glue each adapter provides. The token is
// the current access token for the account, empty for keyless platforms.
type Platform interface {
	Name() string
	Capabilities() Capabilities
	UploadURL(ctx context.Context, token, target, url string, class Class) (Handle, error)
	Upload(ctx context.Context, token, target string, asset Asset) (Handle, error)
	SendMedia(ctx context.Context, token, target string, handle Handle) (Receipt, error)
	SendText(ctx context.Context, token, target, text string) (Receipt, error)
}

// SplitTarget splits "scope:id" targets such as "group:123". A target
// without a scope returns an empty scope.
func SplitTarget(target string) (scope, id string) {
	target = strings.TrimSpace(target)
	if idx := strings.Index(target, ":"); idx > 0 {
		return strings.ToLower(target[:idx]), strings.TrimSpace(target[idx+1:])
	}
	return "", target
}
