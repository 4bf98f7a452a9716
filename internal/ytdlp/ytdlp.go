// Package ytdlp builds yt-dlp invocations shared by the local and delegated
// acquisition strategies and interprets their output.
package ytdlp

import (
	"regexp"
	"strings"
)

const (
	DefaultPath = "yt-dlp"

	// Format prefers separate best streams merged into mp4, falling back to
	// the best single file.
	Format            = "bestvideo+bestaudio/best"
	MergeOutputFormat = "mp4"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	referer   = "https://www.youtube.com/"
)

var (
	youtubeURL = regexp.MustCompile(`^(https?://)?(www\.|m\.)?(youtube|youtu|youtube-nocookie)\.(com|be)/(watch\?v=|embed/|v/|shorts/|.+\?v=)?([^&=%\?/]{11})`)
	videoID    = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
)

// Options configure a single yt-dlp download.
type Options struct {
	URL         string
	Output      string
	CookiesPath string
	FFmpegPath  string
}

// Args returns the yt-dlp argument list for opts.
func Args(opts Options) []string {
	args := []string{
		"--format", Format,
		"--merge-output-format", MergeOutputFormat,
		"--output", opts.Output,
		"--no-check-certificates",
		"--no-playlist",
		"--no-progress",
		"--user-agent", userAgent,
		"--referer", referer,
		"--add-header", "Accept:text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"--add-header", "Accept-Language:en-us,en;q=0.5",
		"--add-header", "Sec-Fetch-Mode:navigate",
	}

	if opts.CookiesPath != "" {
		args = append(args, "--cookies", opts.CookiesPath)
	}

	if opts.FFmpegPath != "" {
		args = append(args, "--ffmpeg-location", opts.FFmpegPath)
	}

	// "--" keeps a URL starting with a dash from being read as a flag.
	return append(args, "--", opts.URL)
}

// MergedOutput is where yt-dlp writes the file when it appends the merge
// container extension to an output template that already had one.
func MergedOutput(output string) string {
	return output + "." + MergeOutputFormat
}

// ErrorMessage extracts the "ERROR:" lines yt-dlp writes to stderr. When
// there are none the trimmed stderr is returned as is.
func ErrorMessage(stderr string) string {
	var lines []string

	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "ERROR:"); ok {
			lines = append(lines, strings.TrimSpace(rest))
		}
	}

	if len(lines) == 0 {
		return strings.TrimSpace(stderr)
	}

	return strings.Join(lines, "; ")
}

// IsYouTubeURL reports whether s looks like a YouTube video link.
func IsYouTubeURL(s string) bool {
	return youtubeURL.MatchString(s)
}

// VideoID returns the 11 character video id of a YouTube link.
func VideoID(s string) (string, bool) {
	m := youtubeURL.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}

	id := m[len(m)-1]
	if !videoID.MatchString(id) {
		return "", false
	}

	return id, true
}
