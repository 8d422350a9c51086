// config.go - Haupt-Konfigurationsfunktionen fuer sdgen
//
// Dieses Modul enthaelt:
//   - Host: Gibt Scheme und Host des HTTP-Servers zurueck (SD_HOST)
//   - AllowedOrigins: CORS-Origins fuer Browser-Clients (SD_ORIGINS)
//   - Models: Gibt das Weight-Cache-Verzeichnis zurueck (SD_MODELS, HF_HUB_CACHE, HF_HOME)
//   - HistoryPath: Pfad der Generierungs-Historie (SD_HISTORY)
//   - LogLevel: Gibt Log-Level zurueck (SD_DEBUG)
//   - Var: Liest eine Environment-Variable
//
// Weitere Konfigurationen sind ausgelagert:
//   - config_features.go: Runtime- und Hub-Variablen
//   - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Host gibt Scheme und Host zurueck
// Konfigurierbar via SD_HOST
// Default: http://127.0.0.1:7860
func Host() *url.URL {
	defaultPort := "7860"

	s := strings.TrimSpace(Var("SD_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt die erlaubten CORS-Origins zurueck
// Konfigurierbar via SD_ORIGINS (kommagetrennt), localhost ist immer erlaubt
func AllowedOrigins() (origins []string) {
	if s := Var("SD_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

// Models gibt das Cache-Verzeichnis fuer Gewichte zurueck
// Reihenfolge: SD_MODELS, HF_HUB_CACHE, HF_HOME/hub, XDG_CACHE_HOME/huggingface/hub
// Default: $HOME/.cache/huggingface/hub
func Models() string {
	if s := Var("SD_MODELS"); s != "" {
		return expand(s)
	}
	if s := Var("HF_HUB_CACHE"); s != "" {
		return expand(s)
	}
	if s := Var("HF_HOME"); s != "" {
		return filepath.Join(expand(s), "hub")
	}
	if s := Var("XDG_CACHE_HOME"); s != "" {
		return filepath.Join(expand(s), "huggingface", "hub")
	}

	home, err := homedir.Dir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// HistoryPath gibt den Pfad der SQLite-Historie zurueck
// Konfigurierbar via SD_HISTORY, "off" deaktiviert die Historie
// Default: $HOME/.sdgen/history.db
func HistoryPath() string {
	if s := Var("SD_HISTORY"); s != "" {
		if strings.EqualFold(s, "off") {
			return ""
		}
		return expand(s)
	}

	home, err := homedir.Dir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".sdgen", "history.db")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via SD_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SD_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// expand loest "~" auf, bei Fehlern bleibt der Pfad unveraendert
func expand(p string) string {
	if e, err := homedir.Expand(p); err == nil {
		return e
	}
	return p
}
