package types

// MajorityQuorum 返回 n 个节点中的多数派大小 ⌊n/2⌋+1
func MajorityQuorum(n int) int {
	return n/2 + 1
}

// MaxFaulty 返回 n = 3f+1 个节点最多能容忍的拜占庭节点数 f
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// PrepareQuorum - 进入 prepared 所需的 prepare 数量 2f
func PrepareQuorum(f int) int {
	return 2 * f
}

// CommitQuorum - 执行所需的 commit 数量 2f+1
func CommitQuorum(f int) int {
	return 2*f + 1
}

// IsStrictMajority 判断 votes 是否严格超过 n 的一半
func IsStrictMajority(votes, n int) bool {
	return votes*2 > n
}
