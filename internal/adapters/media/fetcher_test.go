package media

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestDownloadSavesFilesWithSniffedExt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			w.Header().Set("Content-Type", "image/png")
			fmt.Fprint(w, "png-bytes")
		case "/b":
			w.Header().Set("Content-Type", "image/jpeg")
			fmt.Fprint(w, "jpg-bytes")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), zerolog.Nop())
	paths := f.Download(context.Background(), []string{srv.URL + "/a", srv.URL + "/b"}, "1234567890")

	if len(paths) != 2 {
		t.Fatalf("ожидалось 2 файла, получено %d: %v", len(paths), paths)
	}
	if filepath.Base(paths[0]) != "image_0.png" {
		t.Errorf("неверное имя первого файла: %s", paths[0])
	}
	if filepath.Base(paths[1]) != "image_1.jpg" {
		t.Errorf("неверное имя второго файла: %s", paths[1])
	}
	if filepath.Base(filepath.Dir(paths[0])) != "1234567890" {
		t.Errorf("файлы должны лежать в каталоге поста: %s", paths[0])
	}
	data, err := os.ReadFile(paths[0])
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("содержимое файла не совпадает: %q, %v", data, err)
	}
}

func TestDownloadSkipsFailedFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		fmt.Fprint(w, "gif-bytes")
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), zerolog.Nop())
	paths := f.Download(context.Background(), []string{srv.URL + "/broken", srv.URL + "/ok"}, "42")

	if len(paths) != 1 {
		t.Fatalf("ошибка одного файла не должна ронять остальные: %v", paths)
	}
	if filepath.Base(paths[0]) != "image_1.gif" {
		t.Errorf("индекс в имени должен соответствовать позиции в списке: %s", paths[0])
	}
}

func TestDownloadEmptyList(t *testing.T) {
	f := NewFetcher(t.TempDir(), zerolog.Nop())
	if paths := f.Download(context.Background(), nil, "42"); paths != nil {
		t.Errorf("для пустого списка ожидался nil, получено: %v", paths)
	}
}
