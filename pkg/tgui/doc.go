// Package tgui provides small Telegram UI helpers: HTML escaping, callback
// data strings, inline keyboards and list paging.
package tgui
