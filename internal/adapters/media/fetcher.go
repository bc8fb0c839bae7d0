package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
)

// Fetcher скачивает вложения постов в локальный каталог.
// Ошибки отдельных файлов не прерывают выгрузку: пост без картинки
// полезнее, чем отсутствующий пост.
type Fetcher struct {
	http *http.Client
	dir  string
	log  zerolog.Logger
}

// NewFetcher создаёт загрузчик, складывающий файлы в dir.
func NewFetcher(dir string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		http: &http.Client{Timeout: 30 * time.Second},
		dir:  dir,
		log:  logger,
	}
}

var _ domain.MediaFetcher = (*Fetcher)(nil)

// Download скачивает все url в каталог вида <dir>/<externalID>/ и возвращает
// локальные пути успешно сохранённых файлов. Файлы именуются image_N с
// расширением по Content-Type ответа.
func (f *Fetcher) Download(ctx context.Context, urls []string, externalID string) []string {
	if len(urls) == 0 {
		return nil
	}
	postDir := filepath.Join(f.dir, externalID)
	if err := os.MkdirAll(postDir, 0o755); err != nil {
		f.log.Error().Err(err).Str("dir", postDir).Msg("не удалось создать каталог медиа")
		return nil
	}

	var paths []string
	for i, rawURL := range urls {
		path, err := f.downloadOne(ctx, rawURL, postDir, i)
		if err != nil {
			f.log.Warn().Err(err).Str("url", rawURL).Msg("не удалось скачать вложение")
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (f *Fetcher) downloadOne(ctx context.Context, rawURL, postDir string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("media: build request: %w", err)
	}

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
		return "", fmt.Errorf("media: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("media: неожиданный статус %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
		return "", err
	}

	ext := extFromContentType(resp.Header.Get("Content-Type"))
	path := filepath.Join(postDir, fmt.Sprintf("image_%d%s", index, ext))

	file, err := os.Create(path)
	if err != nil {
		metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
		return "", fmt.Errorf("media: create file: %w", err)
	}
	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	metrics.ObserveNetworkRequest("media", "download", "cdn", start, copyErr)
	if copyErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("media: write file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("media: close file: %w", closeErr)
	}
	return path, nil
}

// extFromContentType выбирает расширение файла по MIME-типу ответа.
// Неизвестные типы считаются jpeg: CDN в основном отдаёт именно его.
func extFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
