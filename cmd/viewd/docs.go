package main

// General API documentation for swaggo. The served document is embedded in
// internal/httpapi/openapi.json.
//
// @title           viewd API
// @version         1.0
// @description     Session admission, pooled live handles and segmented playback timelines.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
