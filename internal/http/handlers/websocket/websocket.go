package websocket

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/hou-li-xie/media-service/internal/upload"
	"github.com/hou-li-xie/media-service/internal/utils/response"
	wsClient "github.com/hou-li-xie/media-service/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Progress feeds carry no secrets; any origin may watch.
		return true
	},
}

// UploadProgressHandler streams progress events for one upload
// @Summary      Watch upload progress
// @Tags         uploads
// @Param        uploadId path string true "Upload ID"
// @Success      101
// @Failure      400 {object} response.Response
// @Router       /ws/uploads/{uploadId} [get]
func UploadProgressHandler(hub *wsClient.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploadID := r.PathValue("uploadId")
		if err := upload.ValidateUploadID(uploadID); err != nil {
			slog.Warn("WebSocket connection attempted with invalid upload id", slog.String("upload_id", uploadID))
			response.WriteError(w, err)
			return
		}

		// Upgrade connection to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("Failed to upgrade WebSocket connection", slog.String("error", err.Error()))
			return
		}

		client := wsClient.NewClient(conn, uploadID, hub)
		hub.RegisterClient(client)
		client.Start()

		slog.Info("WebSocket connection established", slog.String("upload_id", uploadID))
	}
}
