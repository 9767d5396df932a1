package main

// General API documentation for swaggo. Run `swag init -g cmd/predictd/docs.go`
// to regenerate; the served document is built with the `swagger` tag.
//
// @title           predictd API
// @version         1.0
// @description     Inference dispatcher: per-model worker pools, on-demand loading and model management.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
