// Package codec selects the JSON implementation used for queue bodies and cache values.
// Build with -tags sonic to switch from goccy/go-json to bytedance/sonic.
package codec
