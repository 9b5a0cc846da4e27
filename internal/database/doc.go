// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理，支持 postgres、
mysql 与纯 Go 的 sqlite 驱动，以及健康检查、统计上报与事务重试。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，可由 config.DatabaseConfig 派生。
  - StatsRecorder：健康检查时接收连接数，internal/metrics.Collector 实现它。

# 主要能力

  - Open：按 driver 选择方言并应用连接池配置，工作流定义与运行记录
    的 GORM 存储建立在其上。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 借助
    internal/retry 对死锁、序列化失败等瞬时错误退避重试。
*/
package database
