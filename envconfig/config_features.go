// config_features.go - Runtime-, Hub- und Server-Variablen
//
// Dieses Modul enthaelt:
//   - Hub-Zugriff (HF_TOKEN, HF_ENDPOINT, SD_OFFLINE)
//   - ONNX-Runtime-Einstellungen (SD_ORT_LIBRARY, SD_NUM_THREADS, SD_USE_GPU)
//   - Server-Queue (SD_MAX_QUEUE)
package envconfig

// =============================================================================
// Hub-Zugriff
// =============================================================================

var (
	// HFToken ist das Access-Token fuer private oder gated Repositories
	HFToken = String("HF_TOKEN")

	// Offline verbietet Netzwerkzugriffe, nur der lokale Cache wird benutzt
	Offline = Bool("SD_OFFLINE")
)

// HFEndpoint gibt die Basis-URL des Hubs zurueck
// Default: https://huggingface.co
func HFEndpoint() string {
	if s := Var("HF_ENDPOINT"); s != "" {
		return s
	}
	return "https://huggingface.co"
}

// =============================================================================
// ONNX Runtime
// =============================================================================

var (
	// ORTLibrary ist der Pfad zur onnxruntime Shared Library
	ORTLibrary = String("SD_ORT_LIBRARY")

	// NumThreads begrenzt die Intra-Op-Threads (0 = automatisch)
	NumThreads = Uint("SD_NUM_THREADS", 0)

	// UseGPU aktiviert den CUDA Execution Provider
	UseGPU = Bool("SD_USE_GPU")
)

// =============================================================================
// Server
// =============================================================================

var (
	// MaxQueue begrenzt wartende Generierungs-Requests
	MaxQueue = Uint("SD_MAX_QUEUE", 16)
)
