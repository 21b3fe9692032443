package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"

	"image-generation-gateway/internal/models"
)

const maxThumbnailWidth = 4096

// handleImage serves a stored png. With ?width=N it returns a proportional
// resize instead.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.images.Read(chi.URLParam(r, "filename"))
	if err != nil {
		if !models.HasCode(err, models.CodeNotFound) {
			s.logger.Error().Err(err).Msg("read image")
		}
		writeError(w, err)
		return
	}

	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil || width <= 0 || width > maxThumbnailWidth {
			writeError(w, models.NewError(models.CodeInvalidRequest, "width must be between 1 and 4096", err))
			return
		}
		if data, err = thumbnail(data, width); err != nil {
			s.logger.Error().Err(err).Msg("resize image")
			writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func thumbnail(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
