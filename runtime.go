package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// defaultLibraryName is the ONNX Runtime shared library looked up on the
// loader path when model.library_path is empty.
func defaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveRuntimeFiles checks the model file and returns absolute paths for
// the model and the ONNX Runtime library.
func resolveRuntimeFiles(modelPath, libPath string) (string, string, error) {
	absModel, err := filepath.Abs(filepath.Clean(modelPath))
	if err != nil {
		return "", "", fmt.Errorf("failed to get absolute path for model: %w", err)
	}
	info, err := os.Stat(absModel)
	if os.IsNotExist(err) {
		return "", "", fmt.Errorf("model file not found: %s", absModel)
	}
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("model path is a directory: %s", absModel)
	}

	if libPath == "" {
		return absModel, defaultLibraryName(), nil
	}
	absLib, err := filepath.Abs(filepath.Clean(libPath))
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(absLib); os.IsNotExist(err) {
		return "", "", fmt.Errorf("onnxruntime library not found: %s", absLib)
	}
	return absModel, absLib, nil
}
