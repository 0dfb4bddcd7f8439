// Package market 定义任务编排引擎共享的数据模型：任务计划、执行上下文、
// 代理候选、代理结果、所有者收益以及单次运行的状态。
package market
