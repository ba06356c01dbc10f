package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	archiveFormField    = "archive"
	multipartMemory     = 8 << 20
	limiterIdleDuration = 30 * time.Minute
)

var errUploadTooLarge = errors.New("upload exceeds the configured size limit")

// uploadLimiter keeps one token bucket per user.
type uploadLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*userLimiter
	clock    func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUploadLimiter(perMinute, burst int) *uploadLimiter {
	return &uploadLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[string]*userLimiter),
		clock:    time.Now,
	}
}

func (l *uploadLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	entry, ok := l.limiters[userID]
	if !ok {
		l.evictIdle(now)
		entry = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *uploadLimiter) evictIdle(now time.Time) {
	for userID, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleDuration {
			delete(l.limiters, userID)
		}
	}
}

// limitUploads applies the per-user rate limit and caps the request body size.
func (h *httpHandler) limitUploads(c *gin.Context) {
	if !h.uploads.Allow(currentUserID(c)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"code":    "server.upload.rate_limited",
			"message": "too many uploads, retry later",
		})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	c.Next()
}

type uploadedArchive struct {
	Filename string
	Data     []byte
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// readMultipartArchives parses the form and returns every file posted under the archive field.
func readMultipartArchives(c *gin.Context) (*multipart.Form, []uploadedArchive, error) {
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, translateBodyError(err)
	}
	form := c.Request.MultipartForm
	headers := form.File[archiveFormField]
	archives := make([]uploadedArchive, 0, len(headers))
	for _, header := range headers {
		data, err := readFormFile(header)
		if err != nil {
			return nil, nil, translateBodyError(err)
		}
		archives = append(archives, uploadedArchive{Filename: header.Filename, Data: data})
	}
	return form, archives, nil
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func formValue(form *multipart.Form, key string) string {
	if form == nil {
		return ""
	}
	values := form.Value[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func translateBodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large") {
		return errUploadTooLarge
	}
	return err
}

func respondBodyError(c *gin.Context, err error) {
	if errors.Is(err, errUploadTooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "archive_too_large",
			"code":    "server.upload.too_large",
			"message": errUploadTooLarge.Error(),
		})
		return
	}
	respondInvalidRequest(c, "invalid_body", err.Error())
}
