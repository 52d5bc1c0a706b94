package track

import (
	"container/heap"

	"github.com/arthurkushman/go-hungarian"
)

// Algorithm selects how detections are assigned to tracks on refresh frames.
type Algorithm uint16

const (
	// AlgorithmGreedy assigns pairs in descending IoU order, skipping any
	// pair where either side is already taken.
	AlgorithmGreedy Algorithm = iota
	// AlgorithmHungarian uses the Kuhn-Munkres algorithm for globally
	// optimal assignment over the IoU matrix.
	AlgorithmHungarian
	// AlgorithmByteTrack runs the greedy pass twice, confident detections
	// first, then the low-confidence band against the tracks left over.
	AlgorithmByteTrack
)

// assignment is the outcome of one association pass. pairs holds the matched
// {trackIdx, detIdx}; lostTracks are tracks left without a detection and
// freshDetects are detections eligible to spawn a track. The two-stage
// algorithm drops unmatched low-confidence detections instead of listing
// them, every other algorithm accounts for all indexes.
type assignment struct {
	pairs        [][2]int // {trackIdx, detIdx}
	lostTracks   []int
	freshDetects []int
}

// associate assigns detections to tracks by IoU against predicted boxes.
// Pairs below the IoU threshold are never assigned.
func associate(tracks []*Track, detections []Detection, p Params) assignment {
	switch p.Algorithm {
	case AlgorithmHungarian:
		return associateHungarian(tracks, detections, p.IoUThreshold)
	case AlgorithmByteTrack:
		return associateTwoStage(tracks, detections, p.IoUThreshold, p.HighConfidence, p.LowConfidence)
	default:
		return associateGreedy(tracks, detections, p.IoUThreshold)
	}
}

// associateGreedy runs one descending-IoU pass over all tracks and
// detections.
func associateGreedy(tracks []*Track, detections []Detection, minIoU float64) assignment {
	reservedTracks := make(map[int]bool)
	reservedDetections := make(map[int]bool)
	pairs := greedySubset(tracks, allIndexes(len(tracks)), detections, allIndexes(len(detections)),
		minIoU, reservedTracks, reservedDetections)
	return collectUnmatched(pairs, reservedTracks, reservedDetections, len(tracks), len(detections))
}

// associateTwoStage is the ByteTrack association scheme. Confident
// detections claim tracks first; tracks still unmatched get a second pass
// against the low-confidence band, which keeps a partially occluded face
// feeding its track. A low-band detection that stays unmatched is treated
// as noise and never spawns.
func associateTwoStage(tracks []*Track, detections []Detection, minIoU, highConf, lowConf float64) assignment {
	var high, low []int
	for di, det := range detections {
		switch {
		case det.Confidence >= highConf:
			high = append(high, di)
		case det.Confidence >= lowConf:
			low = append(low, di)
		}
	}

	reservedTracks := make(map[int]bool)
	reservedDetections := make(map[int]bool)

	pairs := greedySubset(tracks, allIndexes(len(tracks)), detections, high,
		minIoU, reservedTracks, reservedDetections)

	var leftover []int
	for ti := range tracks {
		if !reservedTracks[ti] {
			leftover = append(leftover, ti)
		}
	}
	pairs = append(pairs, greedySubset(tracks, leftover, detections, low,
		minIoU, reservedTracks, reservedDetections)...)

	out := assignment{pairs: pairs}
	for ti := range tracks {
		if !reservedTracks[ti] {
			out.lostTracks = append(out.lostTracks, ti)
		}
	}
	for _, di := range high {
		if !reservedDetections[di] {
			out.freshDetects = append(out.freshDetects, di)
		}
	}
	return out
}

// greedySubset queues every qualifying (track, detection) pair from the
// given index subsets on a max-heap and pops in descending IoU order. The
// shared reservation maps prevent any track or detection from being assigned
// twice across stages; pairs come back in original index space.
func greedySubset(tracks []*Track, trackIdx []int, detections []Detection, detIdx []int,
	minIoU float64, reservedTracks, reservedDetections map[int]bool) [][2]int {
	pq := &pairHeap{}
	heap.Init(pq)

	for _, ti := range trackIdx {
		predicted := tracks[ti].Predicted()
		for _, di := range detIdx {
			iouVal := IoU(predicted, detections[di].BBox)
			if iouVal < minIoU {
				continue
			}
			heap.Push(pq, &candidatePair{
				iou:      iouVal,
				trackIdx: ti,
				detIdx:   di,
			})
		}
	}

	pairs := make([][2]int, 0, len(detIdx))
	for pq.Len() > 0 {
		item := heap.Pop(pq).(*candidatePair)
		if reservedTracks[item.trackIdx] || reservedDetections[item.detIdx] {
			continue
		}
		pairs = append(pairs, [2]int{item.trackIdx, item.detIdx})
		reservedTracks[item.trackIdx] = true
		reservedDetections[item.detIdx] = true
	}
	return pairs
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// associateHungarian solves the assignment over the full IoU matrix. The
// matrix is padded with zeros to a square shape; assignments landing on
// padding or below minIoU are discarded.
func associateHungarian(tracks []*Track, detections []Detection, minIoU float64) assignment {
	reservedTracks := make(map[int]bool)
	reservedDetections := make(map[int]bool)
	pairs := make([][2]int, 0, len(detections))

	if len(tracks) == 0 || len(detections) == 0 {
		return collectUnmatched(pairs, reservedTracks, reservedDetections, len(tracks), len(detections))
	}

	iouMatrix := make([][]float64, len(tracks))
	for ti, trk := range tracks {
		row := make([]float64, len(detections))
		predicted := trk.Predicted()
		for di, det := range detections {
			row[di] = IoU(predicted, det.BBox)
		}
		iouMatrix[ti] = row
	}

	size := max(len(tracks), len(detections))
	padded := make([][]float64, size)
	for i := 0; i < size; i++ {
		padded[i] = make([]float64, size)
		if i < len(tracks) {
			copy(padded[i], iouMatrix[i])
		}
	}

	assignments := hungarian.SolveMax(padded)
	for trackIdx, rowMap := range assignments {
		if trackIdx >= len(tracks) {
			continue
		}
		for detIdx := range rowMap {
			if detIdx >= len(detections) {
				continue
			}
			if iouMatrix[trackIdx][detIdx] < minIoU {
				continue
			}
			pairs = append(pairs, [2]int{trackIdx, detIdx})
			reservedTracks[trackIdx] = true
			reservedDetections[detIdx] = true
			break
		}
	}

	return collectUnmatched(pairs, reservedTracks, reservedDetections, len(tracks), len(detections))
}

func collectUnmatched(pairs [][2]int, reservedTracks, reservedDetections map[int]bool, numTracks, numDetections int) assignment {
	out := assignment{pairs: pairs}
	for ti := 0; ti < numTracks; ti++ {
		if !reservedTracks[ti] {
			out.lostTracks = append(out.lostTracks, ti)
		}
	}
	for di := 0; di < numDetections; di++ {
		if !reservedDetections[di] {
			out.freshDetects = append(out.freshDetects, di)
		}
	}
	return out
}
