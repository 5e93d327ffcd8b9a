package zarr

// strides returns C-order strides for shape.
func strides(shape []int) []int {
	str := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		str[i] = s
		s *= shape[i]
	}
	return str
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// chunkCounts returns the number of chunks per dimension.
func chunkCounts(shape, chunks []int) []int {
	counts := make([]int, len(shape))
	for i := range shape {
		counts[i] = ceilDiv(shape[i], chunks[i])
	}
	return counts
}

// iterChunks calls fn for every chunk coordinate whose chunk intersects the
// half-open region [off, off+size) of an array with the given chunk grid.
func iterChunks(chunks, off, size []int, fn func(coords []int) error) error {
	n := len(chunks)
	lo := make([]int, n)
	hi := make([]int, n)
	for i := 0; i < n; i++ {
		if size[i] <= 0 {
			return nil
		}
		lo[i] = off[i] / chunks[i]
		hi[i] = ceilDiv(off[i]+size[i], chunks[i])
	}
	coords := append([]int(nil), lo...)
	for {
		if err := fn(coords); err != nil {
			return err
		}
		d := n - 1
		for d >= 0 {
			coords[d]++
			if coords[d] < hi[d] {
				break
			}
			coords[d] = lo[d]
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// copyBlock copies a hyperrectangle of the given size from src at srcOff to
// dst at dstOff. Both arrays are C order with the given shapes. The last
// dimension copies contiguously.
func copyBlock(dst []float64, dstShape, dstOff []int, src []float64, srcShape, srcOff, size []int) {
	n := len(size)
	if n == 0 || product(size) == 0 {
		return
	}
	dstStr := strides(dstShape)
	srcStr := strides(srcShape)
	dstBase, srcBase := 0, 0
	for i := 0; i < n; i++ {
		dstBase += dstOff[i] * dstStr[i]
		srcBase += srcOff[i] * srcStr[i]
	}
	var rec func(dim, dstPos, srcPos int)
	rec = func(dim, dstPos, srcPos int) {
		if dim == n-1 {
			copy(dst[dstPos:dstPos+size[dim]], src[srcPos:srcPos+size[dim]])
			return
		}
		for i := 0; i < size[dim]; i++ {
			rec(dim+1, dstPos+i*dstStr[dim], srcPos+i*srcStr[dim])
		}
	}
	rec(0, dstBase, srcBase)
}

// intersect returns the overlap of chunk cc with the region [off, off+size),
// expressed as global lo plus extent. ok is false when empty.
func intersect(chunks, shape, cc, off, size []int) (lo, ext []int, ok bool) {
	n := len(chunks)
	lo = make([]int, n)
	ext = make([]int, n)
	for i := 0; i < n; i++ {
		cs := cc[i] * chunks[i]
		ce := cs + chunks[i]
		if ce > shape[i] {
			ce = shape[i]
		}
		rlo, rhi := off[i], off[i]+size[i]
		if cs > rlo {
			rlo = cs
		}
		if ce < rhi {
			rhi = ce
		}
		if rhi <= rlo {
			return nil, nil, false
		}
		lo[i] = rlo
		ext[i] = rhi - rlo
	}
	return lo, ext, true
}

func sub(a, b []int) []int {
	out := make([]int, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func scale(a, b []int) []int {
	out := make([]int, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return out
}
