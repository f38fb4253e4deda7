//go:build !linux && !darwin

package main

const testOnnxRuntimeLibrary = ""
