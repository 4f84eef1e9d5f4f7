// Package tgui contains small helpers for Telegram-facing UI: inline
// keyboard building, callback data packing, and HTML-safe text rendering.
package tgui
