package types

// Model represents a model file discovered in the models directory.
type Model struct {
	// File name inside the models directory; used as the model identifier.
	// example: tinyllama.Q4_K_M.gguf
	FileName string `json:"file_name" example:"tinyllama.Q4_K_M.gguf"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/tinyllama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama.Q4_K_M.gguf"`
	// False when the file vanished after the last scan.
	// example: true
	Available bool `json:"available" example:"true"`
	// True for the currently selected model.
	// example: false
	Selected bool `json:"selected" example:"false"`
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	// Role of the speaker: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: Summarise the last three findings.
	Content string `json:"content" example:"Summarise the last three findings."`
}

// Resources is a point-in-time resource snapshot of the inference server and host.
type Resources struct {
	// Resident memory of the server process in MiB.
	// example: 812.5
	RAMMB float64 `json:"ram_mb" example:"812.5"`
	// GPU memory in MiB (queried on CUDA, estimated from server output otherwise).
	// example: 2048
	VRAMMB float64 `json:"vram_mb" example:"2048"`
	// CPU utilisation of the server process.
	// example: 35.2
	CPUPercent float64 `json:"cpu_percent" example:"35.2"`
	// GPU utilisation (CUDA only).
	// example: 71
	GPUPercent float64 `json:"gpu_percent" example:"71"`
	// Host memory in use, MiB.
	// example: 10240
	HostRAMUsedMB float64 `json:"host_ram_used_mb" example:"10240"`
	// Total host memory, MiB.
	// example: 32768
	HostRAMTotalMB float64 `json:"host_ram_total_mb" example:"32768"`
}
