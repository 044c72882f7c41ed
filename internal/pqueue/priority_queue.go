// ============================================================================
// Beaver-Watchdog 優先佇列 - 以排序序列實作
// ============================================================================
//
// Package: internal/pqueue
// 文件: priority_queue.go
// 功能: 依照呼叫者提供的比較函式維持元素順序
//
// 設計理念:
//   採用排序切片（sorted slice）：
//   1. Insert - 線性搜尋插入位置，O(n)
//   2. PeekTop / RemoveTop - 永遠取 index 0，O(1) / O(n)
//   3. 比較結果相等的元素維持插入順序（FIFO）
//
//   相同 runAt 的任務會依加入順序執行，這對 watchdog 的三個週期任務
//   （送心跳 → 檢查門檻 → 檢查終止）很重要。
//
// 並發安全:
//   - Queue 本身不加鎖，由擁有者（Scheduler）負責保護
//
// ============================================================================

package pqueue

// Compare 比較函式：a 排在 b 前面時回傳負數，相等回傳 0
type Compare[T any] func(a, b T) int

// Queue 有序的多重集合，RemoveTop 永遠回傳比較函式排序最前面的元素
type Queue[T any] struct {
	items []T
	cmp   Compare[T]
}

// New 建立新的優先佇列
//
// 參數：
//   - cmp: 排序用的比較函式
func New[T any](cmp Compare[T]) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
		cmp:   cmp,
	}
}

// Insert 插入元素並維持排序
// 新元素放在所有「不大於」它的元素之後，確保相等元素為 FIFO
func (q *Queue[T]) Insert(item T) {
	idx := len(q.items)
	for i, existing := range q.items {
		if q.cmp(item, existing) < 0 {
			idx = i
			break
		}
	}

	var zero T
	q.items = append(q.items, zero)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// PeekTop 回傳排序最前面的元素但不移除
//
// 返回值：
//   - T: 最前面的元素
//   - bool: 佇列為空時為 false
func (q *Queue[T]) PeekTop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// RemoveTop 移除並回傳排序最前面的元素
// 呼叫者應先以 IsEmpty 檢查；空佇列時回傳零值與 false
func (q *Queue[T]) RemoveTop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	top := q.items[0]
	q.items[0] = zero // 讓 GC 回收
	q.items = q.items[1:]
	return top, true
}

// RemoveMatching 移除第一個符合條件的元素
//
// 參數：
//   - match: 判斷函式（通常以 closure 捕捉要比對的 key）
//
// 返回值：
//   - T: 被移除的元素，所有權轉移給呼叫者
//   - bool: 找不到時為 false
func (q *Queue[T]) RemoveMatching(match func(T) bool) (T, bool) {
	for i, item := range q.items {
		if match(item) {
			copy(q.items[i:], q.items[i+1:])
			var zero T
			q.items[len(q.items)-1] = zero
			q.items = q.items[:len(q.items)-1]
			return item, true
		}
	}

	var zero T
	return zero, false
}

// Clear 移除所有元素，並對每個元素呼叫 release（可為 nil）
func (q *Queue[T]) Clear(release func(T)) {
	items := q.items
	q.items = make([]T, 0)

	if release == nil {
		return
	}
	for _, item := range items {
		release(item)
	}
}

// Size 回傳元素數量
func (q *Queue[T]) Size() int {
	return len(q.items)
}

// IsEmpty 檢查佇列是否為空
func (q *Queue[T]) IsEmpty() bool {
	return len(q.items) == 0
}
