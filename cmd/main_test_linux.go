//go:build linux

package main

// testOnnxRuntimeLibrary is where the test images install onnxruntime on Linux.
const testOnnxRuntimeLibrary = "/usr/lib64/onnxruntime.so"
