// Package chunking decides how a file is split for transfer.
package chunking

// DecideMultiPart reports whether a file of fileSize bytes is uploaded in multiple parts.
// It is evaluated once, when the upload session is created.
func DecideMultiPart(fileSize, chunkSize int64) bool {
	return fileSize > chunkSize
}

// Part is one contiguous byte range of a file. Numbers start at 1.
type Part struct {
	Number int
	Offset int64
	Size   int64
}

// PartCount returns the number of parts a multi-part upload of fileSize bytes needs.
func PartCount(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 1
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Layout splits a file into parts. Single-part uploads always get one part spanning the whole file.
func Layout(fileSize, chunkSize int64, multiPart bool) []Part {
	if !multiPart {
		return []Part{{Number: 1, Offset: 0, Size: fileSize}}
	}

	count := PartCount(fileSize, chunkSize)
	parts := make([]Part, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		parts = append(parts, Part{Number: i + 1, Offset: offset, Size: size})
	}
	return parts
}
