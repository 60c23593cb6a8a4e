// Package docs holds the OpenAPI description served under /swagger/.
// Regenerate with `swag init -g cmd/media-service/main.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/uploads": {
            "get": {
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Upload history",
                "parameters": [
                    {"type": "string", "description": "video or image", "name": "fileType", "in": "query"},
                    {"type": "integer", "description": "Page size (default 100, at most 500)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Rows to skip", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Registry not enabled", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Start a chunked upload",
                "parameters": [
                    {"description": "File to upload", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/media.CreateSessionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/media.CreateSessionResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "413": {"description": "File too large", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/uploads/{uploadId}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Get upload status",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true},
                    {"type": "string", "description": "video or image; required without a session", "name": "fileType", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Unknown upload", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/uploads/{uploadId}/chunks/{chunkIndex}": {
            "put": {
                "consumes": ["application/octet-stream"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Upload a chunk",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true},
                    {"type": "integer", "description": "Zero-based chunk index", "name": "chunkIndex", "in": "path", "required": true},
                    {"type": "string", "description": "video or image", "name": "fileType", "in": "query", "required": true},
                    {"type": "string", "description": "Declared file name", "name": "fileName", "in": "query"},
                    {"type": "string", "description": "BLAKE3 hex digest of the chunk", "name": "X-Chunk-Checksum", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "413": {"description": "Chunk too large", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Timed out, retry", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/chunk-upload": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Upload a chunk (multipart)",
                "parameters": [
                    {"type": "string", "name": "fileType", "in": "formData", "required": true},
                    {"type": "string", "name": "fileName", "in": "formData", "required": true},
                    {"type": "integer", "name": "chunkIndex", "in": "formData", "required": true},
                    {"type": "string", "name": "uploadId", "in": "formData"},
                    {"type": "file", "name": "chunk", "in": "formData", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/merge-chunks": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Merge chunks",
                "parameters": [
                    {"description": "Merge request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/media.MergeChunksRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/media.MergeChunksResponse"}},
                    "400": {"description": "Bad request or missing chunk", "schema": {"$ref": "#/definitions/response.Response"}},
                    "409": {"description": "Conflicting merge", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Timed out, retry", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/video/{filename}": {
            "get": {
                "produces": ["application/octet-stream"],
                "tags": ["media"],
                "summary": "Stream a video",
                "parameters": [
                    {"type": "string", "name": "filename", "in": "path", "required": true},
                    {"type": "string", "description": "bytes=start-end", "name": "Range", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "206": {"description": "Partial Content"},
                    "404": {"description": "Not found"},
                    "416": {"description": "Range not satisfiable"}
                }
            }
        },
        "/api/image/{filename}": {
            "get": {
                "produces": ["application/octet-stream"],
                "tags": ["media"],
                "summary": "Stream an image",
                "parameters": [
                    {"type": "string", "name": "filename", "in": "path", "required": true},
                    {"type": "string", "description": "bytes=start-end", "name": "Range", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "206": {"description": "Partial Content"},
                    "404": {"description": "Not found"},
                    "416": {"description": "Range not satisfiable"}
                }
            }
        },
        "/api/videos": {
            "get": {"produces": ["application/json"], "tags": ["media"], "summary": "List videos", "responses": {"200": {"description": "OK"}}}
        },
        "/api/images": {
            "get": {"produces": ["application/json"], "tags": ["media"], "summary": "List images", "responses": {"200": {"description": "OK"}}}
        },
        "/api/smart-upload": {
            "post": {
                "consumes": ["multipart/form-data"],
                "tags": ["media"],
                "summary": "Upload files routed by extension",
                "parameters": [{"type": "file", "description": "Files (up to 50)", "name": "files", "in": "formData", "required": true}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}}
            }
        },
        "/api/multiple-upload": {
            "post": {
                "consumes": ["multipart/form-data"],
                "tags": ["media"],
                "summary": "Upload files of one type",
                "parameters": [
                    {"type": "string", "name": "fileType", "in": "formData", "required": true},
                    {"type": "file", "description": "Files (up to 50)", "name": "files", "in": "formData", "required": true}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}}
            }
        },
        "/api/info/{fileType}/{filename}": {
            "get": {
                "tags": ["media"],
                "summary": "File information",
                "parameters": [
                    {"type": "string", "name": "fileType", "in": "path", "required": true},
                    {"type": "string", "name": "filename", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            }
        },
        "/api/download-url/{fileType}/{filename}": {
            "get": {
                "tags": ["media"],
                "summary": "Presigned download URL",
                "parameters": [
                    {"type": "string", "name": "fileType", "in": "path", "required": true},
                    {"type": "string", "name": "filename", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found or not mirrored"}}
            }
        },
        "/api/config": {
            "get": {"tags": ["config"], "summary": "Upload configuration", "responses": {"200": {"description": "OK"}}}
        },
        "/api/disk-info": {
            "get": {"tags": ["config"], "summary": "Disk usage", "responses": {"200": {"description": "OK"}}}
        },
        "/ws/uploads/{uploadId}": {
            "get": {
                "tags": ["uploads"],
                "summary": "Watch upload progress",
                "parameters": [{"type": "string", "name": "uploadId", "in": "path", "required": true}],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/admin/cache/stats": {
            "get": {"tags": ["admin"], "summary": "Cache statistics", "responses": {"200": {"description": "OK"}}}
        },
        "/admin/cache/clear": {
            "post": {
                "tags": ["admin"],
                "summary": "Clear cache entries",
                "parameters": [{"type": "string", "description": "listing, sessions or ratelimit", "name": "type", "in": "query"}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/healthz": {
            "get": {"tags": ["health"], "summary": "Liveness probe", "responses": {"200": {"description": "OK"}}}
        }
    },
    "definitions": {
        "media.CreateSessionRequest": {
            "type": "object",
            "required": ["fileName", "fileSize", "fileType"],
            "properties": {
                "fileName": {"type": "string", "maxLength": 255},
                "fileSize": {"type": "integer", "minimum": 1},
                "fileType": {"type": "string", "enum": ["video", "image"]}
            }
        },
        "media.CreateSessionResponse": {
            "type": "object",
            "properties": {
                "uploadId": {"type": "string"},
                "chunkSize": {"type": "integer"},
                "totalChunks": {"type": "integer"},
                "needsChunking": {"type": "boolean"},
                "expiresAt": {"type": "string"}
            }
        },
        "media.MergeChunksRequest": {
            "type": "object",
            "required": ["fileName", "fileType", "totalChunks"],
            "properties": {
                "uploadId": {"type": "string", "maxLength": 128},
                "fileName": {"type": "string", "maxLength": 255},
                "fileType": {"type": "string", "enum": ["video", "image"]},
                "totalChunks": {"type": "integer", "minimum": 1, "maximum": 100000}
            }
        },
        "media.MergeChunksResponse": {
            "type": "object",
            "properties": {
                "finalName": {"type": "string"},
                "path": {"type": "string"},
                "url": {"type": "string"},
                "size": {"type": "integer"},
                "checksum": {"type": "string"}
            }
        },
        "response.Response": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "kind": {"type": "string"},
                "error": {"type": "string"},
                "retryable": {"type": "boolean"},
                "data": {},
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Media Service API",
	Description:      "Chunked resumable uploads and byte-range streaming for videos and images.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
