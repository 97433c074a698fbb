package gateway

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wionch/yivideo/common"
)

// handleFileUpload stores a multipart file at <bucket>/<file_path>.
func (g *Gateway) handleFileUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field \"file\" is required")
	}
	objectPath := c.FormValue("file_path")
	if objectPath == "" {
		objectPath = fileHeader.Filename
	}
	objectPath = strings.TrimLeft(objectPath, "/")
	if objectPath == "" || strings.Contains(objectPath, "..") {
		return badRequest(c, "file_path must be a forward path without '..'")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return badRequest(c, "failed to read uploaded file")
	}
	defer func() { _ = src.Close() }()

	// Spool to a temp file; the object store adapter uploads from disk.
	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, src)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if err := tmp.Close(); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}

	url, err := g.objects.UploadFile(c.Request().Context(), tmp.Name(), objectPath)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"file_path":    objectPath,
		"download_url": url,
		"size":         size,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleFileDownload streams an object from the bucket.
func (g *Gateway) handleFileDownload(c echo.Context) error {
	objectPath := strings.TrimLeft(c.Param("*"), "/")
	if objectPath == "" {
		return badRequest(c, "file path is required")
	}

	body, size, err := g.objects.Download(c.Request().Context(), objectPath)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "object " + objectPath + " not found"})
	}
	defer func() { _ = body.Close() }()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		"attachment; filename=\""+filepath.Base(objectPath)+"\"")
	if size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, body)
}

// handleFileDelete removes one object.
func (g *Gateway) handleFileDelete(c echo.Context) error {
	objectPath := strings.TrimLeft(c.Param("*"), "/")
	if objectPath == "" {
		return badRequest(c, "file path is required")
	}
	if err := g.objects.Delete(c.Request().Context(), objectPath); err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted": objectPath,
	})
}

// handleDeleteDirectory removes a directory under shared storage. Missing
// directories return 200 (idempotent); any ".." component is a 400.
func (g *Gateway) handleDeleteDirectory(c echo.Context) error {
	dir := c.QueryParam("directory_path")
	if dir == "" {
		return badRequest(c, "directory_path is required")
	}

	resolved, err := common.SafeJoin(g.cfg.Storage.SharedPath, dir)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if resolved == filepath.Clean(g.cfg.Storage.SharedPath) {
		return badRequest(c, "refusing to delete the shared storage root")
	}

	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"deleted": false,
			"message": "directory does not exist",
		})
	}
	if err := os.RemoveAll(resolved); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted":        true,
		"directory_path": resolved,
	})
}
