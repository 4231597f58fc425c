package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/docs.go` to generate docs,
// and build with -tags=swagger to serve them under /swagger/.
//
// @title           inferd API
// @version         1.0
// @description     HTTP control surface for the local inference orchestrator: model selection,
// @description     analysis/filter/chat jobs, status and a websocket event stream.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
