package server

import "fmt"

// Response templates. Every response is header-only; the stream itself is
// delivered by the fan-out sink after handoff.

func okResponse(version, contentType string) []byte {
	return []byte(fmt.Sprintf("%s 200 OK\r\nContent-Type: %s\r\n\r\n", version, contentType))
}

func notFoundResponse(version string) []byte {
	return []byte(fmt.Sprintf("%s 404 Not Found\r\n\r\n", version))
}

func badRequestResponse(version string) []byte {
	return []byte(fmt.Sprintf("%s 400 Bad Request\r\n\r\n", version))
}
