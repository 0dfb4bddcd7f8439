// Package planner 把自然语言任务拆解为按优先级排列的子任务计划，
// 并在所有子任务完成后把各代理的输出综合为最终交付物。
package planner
