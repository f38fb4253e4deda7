//go:build darwin

package main

// testOnnxRuntimeLibrary is where homebrew installs onnxruntime on macOS.
const testOnnxRuntimeLibrary = "/opt/homebrew/lib/libonnxruntime.dylib"
