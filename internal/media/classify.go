package media

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var extClasses = map[string]Class{
	".jpg": ClassImage, ".jpeg": ClassImage, ".png": ClassImage, ".gif": ClassImage,
	".webp": ClassImage, ".bmp": ClassImage, ".heic": ClassImage,
	".mp3": ClassAudio, ".wav": ClassAudio, ".ogg": ClassAudio, ".opus": ClassAudio,
	".amr": ClassAudio, ".m4a": ClassAudio, ".aac": ClassAudio, ".flac": ClassAudio,
	".silk": ClassAudio, ".pcm": ClassAudio,
	".mp4": ClassVideo, ".mov": ClassVideo, ".avi": ClassVideo, ".mkv": ClassVideo,
	".webm": ClassVideo, ".3gp": ClassVideo, ".m4v": ClassVideo,
}

// Classify guesses the class of ref from a MIME hint, a data URL header or
// the file extension, in that order. Unknown references are files.
func Classify(ref, mimeHint string) Class {
	if strings.TrimSpace(mimeHint) != "" {
		if c := ClassFromMime(mimeHint); c != ClassFile {
			return c
		}
	}
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		mediaType, _, _ := strings.Cut(ref[len("data:"):], ",")
		mediaType, _, _ = strings.Cut(mediaType, ";")
		return ClassFromMime(mediaType)
	}
	return ClassFromExt(path.Ext(refPath(ref)))
}

// ClassFromExt maps a file extension (with or without the dot) to a class.
func ClassFromExt(ext string) Class {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ClassFile
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if c, ok := extClasses[ext]; ok {
		return c
	}
	return ClassFile
}

// ClassFromMime maps a MIME type to a class.
func ClassFromMime(mime string) Class {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ClassImage
	case strings.HasPrefix(mime, "audio/"):
		return ClassAudio
	case strings.HasPrefix(mime, "video/"):
		return ClassVideo
	default:
		return ClassFile
	}
}

// Refine sniffs data to replace a file guess with a more specific class.
// Other guesses are kept as given.
func Refine(class Class, data []byte) (Class, string) {
	detected := mimetype.Detect(data)
	if class != ClassFile && class != "" {
		return class, detected.String()
	}
	return ClassFromMime(detected.String()), detected.String()
}

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func refPath(ref string) string {
	if IsRemote(ref) || strings.HasPrefix(strings.ToLower(ref), "file://") {
		if u, err := url.Parse(ref); err == nil {
			return u.Path
		}
	}
	return ref
}

// extensionFor returns a file extension for mime, empty when unknown.
func extensionFor(mime string) string {
	if m := mimetype.Lookup(strings.TrimSpace(strings.Split(mime, ";")[0])); m != nil {
		return m.Extension()
	}
	return ""
}
