package detections

import (
	"image"
	"sync"
)

// fillPlanar writes src into buffer as R plane, G plane, B plane, each
// row-major and scaled to [0,1]. src must be exactly width x height.
func fillPlanar(buffer []float32, src *image.NRGBA, width, height, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > height {
		numWorkers = height
	}
	channelSize := width * height
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			fillRows(buffer, src, width, channelSize, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func fillRows(buffer []float32, src *image.NRGBA, width, channelSize, start, end int) {
	for y := start; y < end; y++ {
		row := src.Pix[y*src.Stride:]
		offset := y * width
		for x := 0; x < width; x++ {
			i := offset + x
			p := row[x*4 : x*4+3 : x*4+3]
			buffer[i] = float32(p[0]) / 255.0
			buffer[channelSize+i] = float32(p[1]) / 255.0
			buffer[channelSize*2+i] = float32(p[2]) / 255.0
		}
	}
}
